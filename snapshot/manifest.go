package snapshot

import (
	"bytes"
	"net/url"
	"sort"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

var (
	// ErrNoParts is returned for a Manifest having no Parts.
	ErrNoParts = errors.New("snapshot manifest has no parts")
)

// DefaultPartTemplate derives the URL of a Part from the base URL and its
// 1-based index.
const DefaultPartTemplate = "{{.Base}}.part{{.Index}}"

// Manifest describes a store snapshot as an ordered list of Parts. The
// concatenation of Parts in Index order is the store file.
type Manifest struct {
	Parts []Part `yaml:"parts"`
}

// Part of a snapshot.
type Part struct {
	// Index of the Part, beginning at 1.
	Index int `yaml:"index"`
	// URL of the Part.
	URL string `yaml:"url"`
	// Size of the Part in bytes. Zero if not advertised by the Manifest,
	// in which case the size advertised by the Source is verified (if any).
	Size int64 `yaml:"size,omitempty"`
}

// Validate the Manifest. Parts must be indexed 1..N without gaps, and have
// parseable URLs.
func (m Manifest) Validate() error {
	if len(m.Parts) == 0 {
		return ErrNoParts
	}
	for i, p := range m.Parts {
		if p.Index != i+1 {
			return errors.Errorf("expected part index %d (got %d)", i+1, p.Index)
		} else if _, err := url.Parse(p.URL); err != nil {
			return errors.WithMessagef(err, "part %d URL", p.Index)
		} else if p.Size < 0 {
			return errors.Errorf("part %d has negative size %d", p.Index, p.Size)
		}
	}
	return nil
}

// TotalSize is the sum of advertised Part sizes, and whether every Part had
// an advertised size.
func (m Manifest) TotalSize() (int64, bool) {
	var total int64
	var complete = true

	for _, p := range m.Parts {
		total += p.Size
		complete = complete && p.Size != 0
	}
	return total, complete
}

// BuildManifest derives a Manifest of |parts| Parts from a |base| URL.
// Part URLs are produced by executing |tmpl| (or DefaultPartTemplate, if
// empty) with fields Base and Index. |sizes|, if non-empty, must have an
// expected size for each part.
func BuildManifest(base string, parts int, tmpl string, sizes []int64) (Manifest, error) {
	if parts <= 0 {
		return Manifest{}, ErrNoParts
	} else if len(sizes) != 0 && len(sizes) != parts {
		return Manifest{}, errors.Errorf("expected %d part sizes (got %d)", parts, len(sizes))
	}
	if tmpl == "" {
		tmpl = DefaultPartTemplate
	}
	var tpl, err = template.New("part").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return Manifest{}, errors.WithMessage(err, "parsing part template")
	}

	var out Manifest
	for i := 1; i <= parts; i++ {
		var b bytes.Buffer
		if err = tpl.Execute(&b, struct {
			Base  string
			Index int
		}{base, i}); err != nil {
			return Manifest{}, errors.WithMessagef(err, "executing part template (%s)", tmpl)
		}

		var part = Part{Index: i, URL: b.String()}
		if len(sizes) != 0 {
			part.Size = sizes[i-1]
		}
		out.Parts = append(out.Parts, part)
	}
	return out, out.Validate()
}

// LoadManifest reads a YAML Manifest from |path| of |fs|:
//
//	parts:
//	  - index: 1
//	    url: https://example.com/games.db.part1
//	    size: 1073741824
//	  - index: 2
//	    url: https://example.com/games.db.part2
//
// Parts may be listed in any order, and are sorted on Index.
func LoadManifest(fs afero.Fs, path string) (Manifest, error) {
	var b, err = afero.ReadFile(fs, path)
	if err != nil {
		return Manifest{}, errors.WithMessage(err, "reading manifest")
	}

	var out Manifest
	if err = yaml.UnmarshalStrict(b, &out); err != nil {
		return Manifest{}, errors.WithMessagef(err, "decoding manifest %q", path)
	}
	sort.Slice(out.Parts, func(i, j int) bool { return out.Parts[i].Index < out.Parts[j].Index })

	return out, out.Validate()
}
