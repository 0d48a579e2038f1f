package ledger

import (
	"net/url"
	"strconv"

	"github.com/alejandrodnm/gavel/internal/domain"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// PageQuery pide una página limit/offset. BaseURL, si no está vacío, se usa
// para construir los enlaces next/previous.
type PageQuery struct {
	Limit   int
	Offset  int
	BaseURL string
}

// Page es una página de pujas con enlaces a la siguiente y la anterior.
type Page struct {
	Count    int          `json:"count"`
	Next     *string      `json:"next"`
	Previous *string      `json:"previous"`
	Results  []domain.Bid `json:"results"`
}

func (q PageQuery) normalize() PageQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func (q PageQuery) links(count int) (next, prev *string) {
	if q.BaseURL == "" {
		return nil, nil
	}
	if q.Offset+q.Limit < count {
		next = q.link(q.Offset + q.Limit)
	}
	if q.Offset > 0 {
		prev = q.link(max(q.Offset-q.Limit, 0))
	}
	return next, prev
}

func (q PageQuery) link(offset int) *string {
	u, err := url.Parse(q.BaseURL)
	if err != nil {
		return nil
	}
	v := u.Query()
	v.Set("limit", strconv.Itoa(q.Limit))
	if offset > 0 {
		v.Set("offset", strconv.Itoa(offset))
	} else {
		v.Del("offset")
	}
	u.RawQuery = v.Encode()
	s := u.String()
	return &s
}
