package layers

// Info is the wire-friendly summary of a layer instance, served by the
// diagnostics endpoint. Field names follow the CBOR map keys.
type Info struct {
	Name        string   `cbor:"name"`
	Type        string   `cbor:"type"`
	Description string   `cbor:"description"`
	OutputShape []int    `cbor:"output_shape"`
	Parents     []string `cbor:"parents,omitempty"`
}

// Describe summarizes a layer for diagnostics.
func Describe(l Layer) Info {
	parents := l.Parents()
	names := make([]string, len(parents))
	for i, p := range parents {
		names[i] = p.Name()
	}
	return Info{
		Name:        l.Name(),
		Type:        l.Type(),
		Description: l.Description(),
		OutputShape: l.OutputShape().Clone(),
		Parents:     names,
	}
}

// DescribeAll summarizes a graph in the order given, which callers keep
// topological.
func DescribeAll(graph []Layer) []Info {
	out := make([]Info, len(graph))
	for i, l := range graph {
		out[i] = Describe(l)
	}
	return out
}
