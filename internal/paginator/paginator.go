// Package paginator implements bounded keyset pagination with opaque cursors.
//
// Items are ordered by an immutable int64 key. A page holds at most size
// items strictly after the decoded position, so chaining pages through the
// returned cursors visits a stable data set exactly once, whatever page sizes
// the caller picks.
package paginator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
)

// Config names the external page parameters and bounds page sizes.
type Config struct {
	DefaultSize int
	MaxSize     int
	SizeParam   string
	CursorParam string
}

// ConfigFrom maps the application pagination section.
func ConfigFrom(c config.PaginationConfig) Config {
	return Config{
		DefaultSize: c.DefaultSize,
		MaxSize:     c.MaxSize,
		SizeParam:   c.SizeParam,
		CursorParam: c.CursorParam,
	}
}

// Paginator holds a validated Config.
type Paginator struct {
	cfg Config
}

func New(cfg Config) (*Paginator, error) {
	var errs []error
	if cfg.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("max size must be at least 1, got %d", cfg.MaxSize))
	}
	if cfg.DefaultSize < 1 || cfg.DefaultSize > cfg.MaxSize {
		errs = append(errs, fmt.Errorf("default size must be in [1, %d], got %d", cfg.MaxSize, cfg.DefaultSize))
	}
	if cfg.SizeParam == "" || cfg.CursorParam == "" {
		errs = append(errs, errors.New("size and cursor parameter names are required"))
	} else if cfg.SizeParam == cfg.CursorParam {
		errs = append(errs, fmt.Errorf("size and cursor parameters share the name %q", cfg.SizeParam))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid pagination config: %w", err)
	}
	return &Paginator{cfg: cfg}, nil
}

func (p *Paginator) Config() Config { return p.cfg }

// PageRequest asks for one page. An empty Cursor starts the sequence in
// Direction; a non-empty Cursor carries its own direction.
type PageRequest struct {
	Size      int
	Cursor    string
	Direction Direction
}

// Page is one slice of the sequence. Next is empty at the end.
type Page[T any] struct {
	Items []T
	Next  string
}

// Query is what a FetchFunc must answer: up to Limit items whose key is
// strictly after After in Direction. At the start of a sequence After is
// math.MinInt64 (Asc) or math.MaxInt64 (Desc).
type Query struct {
	After     int64
	Limit     int
	Direction Direction
}

// Start reports whether q begins the sequence.
func (q Query) Start() bool {
	return q.After == startKey(q.Direction)
}

type FetchFunc[T any] func(ctx context.Context, q Query) ([]T, error)

// ClampSize rejects sizes below 1 and caps the rest at MaxSize.
func (p *Paginator) ClampSize(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: page size must be at least 1, got %d", apperrors.ErrInvalidInput, n)
	}
	return min(n, p.cfg.MaxSize), nil
}

// ParseRequest reads the configured size and cursor parameters. An absent
// size means DefaultSize. The cursor is validated here so a bad token is
// reported before any fetch.
func (p *Paginator) ParseRequest(q url.Values) (PageRequest, error) {
	req := PageRequest{Size: p.cfg.DefaultSize}

	if raw := q.Get(p.cfg.SizeParam); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return PageRequest{}, fmt.Errorf("%w: %s must be an integer", apperrors.ErrInvalidInput, p.cfg.SizeParam)
		}
		if req.Size, err = p.ClampSize(n); err != nil {
			return PageRequest{}, err
		}
	}

	if cursor := q.Get(p.cfg.CursorParam); cursor != "" {
		pos, err := Decode(cursor)
		if err != nil {
			return PageRequest{}, err
		}
		req.Cursor = cursor
		req.Direction = pos.Direction
	}
	return req, nil
}

// NextPage fetches one page through fetch. key must return the ordering key
// fetch sorts by.
func NextPage[T any](ctx context.Context, p *Paginator, req PageRequest, fetch FetchFunc[T], key func(T) int64) (Page[T], error) {
	size, err := p.ClampSize(req.Size)
	if err != nil {
		return Page[T]{}, err
	}

	pos := Position{Key: startKey(req.Direction), Direction: req.Direction}
	if req.Cursor != "" {
		if pos, err = Decode(req.Cursor); err != nil {
			return Page[T]{}, err
		}
	} else if !req.Direction.valid() {
		return Page[T]{}, fmt.Errorf("%w: unknown direction %d", apperrors.ErrInvalidInput, req.Direction)
	}

	// One extra row tells us whether another page exists.
	items, err := fetch(ctx, Query{After: pos.Key, Limit: size + 1, Direction: pos.Direction})
	if err != nil {
		return Page[T]{}, fmt.Errorf("fetching page after %d: %w", pos.Key, err)
	}

	page := Page[T]{Items: items}
	if len(items) > size {
		page.Items = items[:size]
		page.Next = Encode(Position{Key: key(page.Items[size-1]), Direction: pos.Direction})
	}
	return page, nil
}

// Walk visits the whole sequence page by page, stopping at the first error
// from fetch or visit.
func Walk[T any](ctx context.Context, p *Paginator, size int, dir Direction, fetch FetchFunc[T], key func(T) int64, visit func([]T) error) error {
	req := PageRequest{Size: size, Direction: dir}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := NextPage(ctx, p, req, fetch, key)
		if err != nil {
			return err
		}
		if len(page.Items) > 0 {
			if err := visit(page.Items); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		req.Cursor = page.Next
	}
}

func startKey(d Direction) int64 {
	if d == Desc {
		return math.MaxInt64
	}
	return math.MinInt64
}
