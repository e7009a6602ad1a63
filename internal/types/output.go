package types

// TableRenderer is implemented by results that have a table form. Anything
// else falls back to the JSON envelope in table mode.
type TableRenderer interface {
	Headers() []string
	Rows() [][]string
	EmptyMessage() string
}

// TableRenderable is for results whose JSON shape differs from their table
type TableRenderable interface {
	AsTableRenderer() TableRenderer
}

// Pair is one row of a key/value table
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Pairs renders records without a list shape, such as settings
type Pairs []Pair

func (p Pairs) Headers() []string {
	return []string{"Key", "Value"}
}

func (p Pairs) Rows() [][]string {
	rows := make([][]string, len(p))
	for i, pair := range p {
		rows[i] = []string{pair.Key, pair.Value}
	}
	return rows
}

func (p Pairs) EmptyMessage() string {
	return "Nothing to show"
}
