// Package paging builds deterministic, numbered pages of query results.
//
// Pagination by LIMIT / OFFSET is reproducible only over a total order, so
// the Executor requires every statement to carry its own top-level ORDER BY
// and never supplies a default one. Callers should order on a unique column
// (eg, ending with "id") so that ties don't straddle page boundaries.
package paging

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"go.pgnvault.dev/core/recordstore"
)

var (
	// ErrUnordered is returned for statements lacking a top-level ORDER BY.
	ErrUnordered = errors.New("paginated statement must have a top-level ORDER BY")
	// ErrLimited is returned for statements which already LIMIT or OFFSET.
	ErrLimited = errors.New("paginated statement must not LIMIT or OFFSET")
	// ErrTerminated is returned for statements having a top-level ';'.
	ErrTerminated = errors.New("paginated statement must not contain ';'")
	// ErrInvalidPage is returned for page numbers less than one.
	ErrInvalidPage = errors.New("page numbers begin at 1")
)

// Cache executes and memoizes read queries. It's implemented by
// *querycache.Cache.
type Cache interface {
	Query(ctx context.Context, ttl time.Duration, stmt string, args ...interface{}) (recordstore.Result, error)
}

// Config of an Executor.
type Config struct {
	// DefaultTTL of page results, used where a Request doesn't specify one.
	DefaultTTL time.Duration
	// CountTTL of total counts. Zero uses the TTL of the page.
	CountTTL time.Duration
	// DefaultPageSize is used where a Request doesn't specify a size.
	DefaultPageSize int
	// MaxPageSize clamps Request page sizes. Zero is unlimited.
	MaxPageSize int
}

// Executor runs paginated queries through a Cache.
type Executor struct {
	cache Cache
	cfg   Config
}

// New returns an Executor.
func New(cache Cache, cfg Config) *Executor {
	if cfg.DefaultPageSize == 0 {
		cfg.DefaultPageSize = 50
	}
	return &Executor{cache: cache, cfg: cfg}
}

// Request of a Page.
type Request struct {
	// Statement to paginate, with a top-level ORDER BY and no LIMIT or OFFSET.
	Statement string
	// Params of the Statement, in order.
	Params []interface{}
	// PageNumber to return, beginning at 1.
	PageNumber int
	// PageSize is the number of rows per page.
	PageSize int
	// IncludeTotal requests a count of all matching rows.
	IncludeTotal bool
	// TTL of cached results. Zero uses the Executor DefaultTTL.
	TTL time.Duration
}

// Page of query results.
type Page struct {
	Columns    []string
	Rows       [][]interface{}
	PageNumber int
	PageSize   int
	// Total number of matching rows, if requested.
	Total *int64
}

// PageCount is the number of pages implied by Total, or -1 if Total is unknown.
func (p Page) PageCount() int64 {
	if p.Total == nil {
		return -1
	}
	return (*p.Total + int64(p.PageSize) - 1) / int64(p.PageSize)
}

// Result of the Page's rows.
func (p Page) Result() recordstore.Result {
	return recordstore.Result{Columns: p.Columns, Rows: p.Rows}
}

// Page runs the Request. A PageNumber beyond the final page returns a Page
// with no Rows rather than an error.
func (e *Executor) Page(ctx context.Context, req Request) (Page, error) {
	if req.PageNumber < 1 {
		return Page{}, ErrInvalidPage
	} else if err := Validate(req.Statement); err != nil {
		return Page{}, err
	}
	if req.PageSize <= 0 {
		req.PageSize = e.cfg.DefaultPageSize
	}
	if e.cfg.MaxPageSize != 0 && req.PageSize > e.cfg.MaxPageSize {
		req.PageSize = e.cfg.MaxPageSize
	}
	if req.TTL == 0 {
		req.TTL = e.cfg.DefaultTTL
	}

	var out = Page{
		PageNumber: req.PageNumber,
		PageSize:   req.PageSize,
	}
	var limit = int64(req.PageSize)

	// An offset beyond int64 is necessarily past the final page.
	if int64(req.PageNumber-1) <= math.MaxInt64/limit {
		var offset = int64(req.PageNumber-1) * limit
		var args = append(append([]interface{}(nil), req.Params...), limit, offset)

		var res, err = e.cache.Query(ctx, req.TTL, PageStatement(req.Statement), args...)
		if err != nil {
			return Page{}, errors.WithMessage(err, "querying page")
		}
		out.Columns, out.Rows = res.Columns, res.Rows
	}

	if req.IncludeTotal {
		var ttl = e.cfg.CountTTL
		if ttl == 0 {
			ttl = req.TTL
		}
		var cnt, err = e.cache.Query(ctx, ttl, CountStatement(req.Statement), req.Params...)
		if err != nil {
			return Page{}, errors.WithMessage(err, "querying total")
		} else if cnt.Len() != 1 {
			return Page{}, errors.Errorf("expected one count row (got %d)", cnt.Len())
		}
		var total = cnt.Int(0, "total")
		out.Total = &total
	}
	return out, nil
}

// PageStatement appends LIMIT and OFFSET parameters to |stmt|. They begin
// on a new line, so a trailing line comment of |stmt| can't consume them.
func PageStatement(stmt string) string {
	return stmt + "\nLIMIT ? OFFSET ?"
}

// CountStatement wraps |stmt| to count its rows.
func CountStatement(stmt string) string {
	return "SELECT COUNT(*) AS total FROM (" + stmt + "\n)"
}

// Validate that |stmt| has a top-level ORDER BY, and no top-level LIMIT,
// OFFSET, or statement terminator. Parenthesized sub-expressions, quoted strings and identifiers,
// and comments are skipped.
func Validate(stmt string) error {
	var words = topLevelWords(stmt)
	var ordered bool

	for i, w := range words {
		switch w {
		case "ORDER":
			if i+1 < len(words) && words[i+1] == "BY" {
				ordered = true
			}
		case "LIMIT", "OFFSET":
			return ErrLimited
		case ";":
			return ErrTerminated
		}
	}
	if !ordered {
		return ErrUnordered
	}
	return nil
}

// topLevelWords returns upper-cased words, and ';' terminators, of |stmt|
// appearing outside of parentheses, quotes and comments.
func topLevelWords(stmt string) []string {
	var words []string
	var depth int
	var word strings.Builder

	var flush = func() {
		if word.Len() != 0 {
			if depth == 0 {
				words = append(words, strings.ToUpper(word.String()))
			}
			word.Reset()
		}
	}

	for i := 0; i < len(stmt); i++ {
		var c = stmt[i]

		switch {
		case c == '\'' || c == '"' || c == '`' || c == '[':
			flush()
			var closing = c
			if c == '[' {
				closing = ']'
			}
			for i++; i < len(stmt) && stmt[i] != closing; i++ {
			}
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			flush()
			for ; i < len(stmt) && stmt[i] != '\n'; i++ {
			}
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			flush()
			for i += 2; i+1 < len(stmt) && !(stmt[i] == '*' && stmt[i+1] == '/'); i++ {
			}
			i++
		case c == ';':
			flush()
			if depth == 0 {
				words = append(words, ";")
			}
		case c == '(':
			flush()
			depth++
		case c == ')':
			flush()
			depth--
		case c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)):
			word.WriteByte(c)
		default:
			flush()
		}
	}
	flush()
	return words
}
