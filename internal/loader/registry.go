package loader

import "mlk-kernel/internal/kerrors"

// Registry is the closed set of binary ids SPAWN accepts (spec.md §6:
// "A closed set of binary ids is embedded at build time"). The concrete
// contents are produced by cmd/mlkreg from a manifest at build time; see
// kernel/registry_gen.go for the generated table this wraps in the
// shipped binary.
type Registry struct {
	images map[uint32]Image
}

// NewRegistry builds a registry from a fixed id->raw-bytes manifest,
// parsing and validating every entry up front so a bad build-time asset
// fails at init, not at first SPAWN.
func NewRegistry(manifest map[uint32][]byte) (*Registry, error) {
	r := &Registry{images: make(map[uint32]Image, len(manifest))}
	for id, raw := range manifest {
		img, code := ParseHeader(raw)
		if code != kerrors.Success {
			return nil, &ParseError{ID: id, Code: code}
		}
		r.images[id] = img
	}
	return r, nil
}

// ParseError reports which registry entry failed validation.
type ParseError struct {
	ID   uint32
	Code kerrors.Code
}

func (e *ParseError) Error() string {
	return "loader: binary id " + itoa(e.ID) + ": " + e.Code.String()
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Lookup returns the image for id, or (Image{}, false) if id is unknown
// (spec.md §6: "SPAWN takes an id and rejects unknown ones").
func (r *Registry) Lookup(id uint32) (Image, bool) {
	img, ok := r.images[id]
	return img, ok
}
