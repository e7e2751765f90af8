package models

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidURL = errors.New("not a valid git clone url")

// Repo identifies a source repository. The name is derived from the
// clone url, e.g. https://example.com/alice/app.git -> alice/app.
type Repo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ParseRepo validates a clone url and derives the repository name from
// its path.
func ParseRepo(rawURL string) (Repo, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Repo{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if u.Scheme == "" || !strings.HasSuffix(u.Path, ".git") {
		return Repo{}, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	name := strings.TrimPrefix(u.Path, "/")
	name = strings.TrimSuffix(name, ".git")
	if name == "" {
		return Repo{}, fmt.Errorf("%w: empty repository path", ErrInvalidURL)
	}

	return Repo{Name: name, URL: u.String()}, nil
}

// Compare orders repositories by name, then url.
func (r Repo) Compare(o Repo) int {
	if c := cmp.Compare(r.Name, o.Name); c != 0 {
		return c
	}
	return cmp.Compare(r.URL, o.URL)
}

func (r Repo) IsZero() bool {
	return r == Repo{}
}

func (r Repo) String() string {
	return r.Name
}
