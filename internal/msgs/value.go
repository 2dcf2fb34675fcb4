package msgs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ValueKind discriminates the Value union.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt64
	KindDouble
	KindString
	KindList
	KindMap
	KindVertex
	KindEdge
	KindPath
)

var kindNames = map[ValueKind]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt64:  "int64",
	KindDouble: "double",
	KindString: "string",
	KindList:   "list",
	KindMap:    "map",
	KindVertex: "vertex",
	KindEdge:   "edge",
	KindPath:   "path",
}

func (k ValueKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is the tagged union carried by properties, primary keys and
// result rows. Exactly the field selected by Kind is meaningful.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Int    int64
	Double float64
	Str    string
	List   []Value
	Map    map[string]Value
	Vertex *Vertex
	Edge   *Edge
	Path   *Path
}

// NullValue returns the null Value.
func NullValue() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an int64.
func IntValue(i int64) Value { return Value{Kind: KindInt64, Int: i} }

// DoubleValue wraps a float64.
func DoubleValue(d float64) Value { return Value{Kind: KindDouble, Double: d} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// ListValue wraps a list of values.
func ListValue(list []Value) Value { return Value{Kind: KindList, List: list} }

// MapValue wraps a string-keyed map of values.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// VertexValue wraps a vertex reference.
func VertexValue(v Vertex) Value { return Value{Kind: KindVertex, Vertex: &v} }

// EdgeValue wraps an edge reference.
func EdgeValue(e Edge) Value { return Value{Kind: KindEdge, Edge: &e} }

// PathValue wraps a path.
func PathValue(p Path) Value { return Value{Kind: KindPath, Path: &p} }

// IsNull reports whether the value holds the null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	out := v
	switch v.Kind {
	case KindList:
		out.List = make([]Value, len(v.List))
		for i, item := range v.List {
			out.List[i] = item.Clone()
		}
	case KindMap:
		out.Map = make(map[string]Value, len(v.Map))
		for k, item := range v.Map {
			out.Map[k] = item.Clone()
		}
	case KindVertex:
		if v.Vertex != nil {
			cloned := *v.Vertex
			cloned.Id.PrimaryKey = ClonePrimaryKey(v.Vertex.Id.PrimaryKey)
			cloned.Labels = append([]LabelId(nil), v.Vertex.Labels...)
			out.Vertex = &cloned
		}
	case KindEdge:
		if v.Edge != nil {
			cloned := *v.Edge
			cloned.Id.Src.PrimaryKey = ClonePrimaryKey(v.Edge.Id.Src.PrimaryKey)
			cloned.Id.Dst.PrimaryKey = ClonePrimaryKey(v.Edge.Id.Dst.PrimaryKey)
			out.Edge = &cloned
		}
	case KindPath:
		if v.Path != nil {
			cloned := *v.Path
			cloned.Parts = append([]PathPart(nil), v.Path.Parts...)
			out.Path = &cloned
		}
	}
	return out
}

// CompareValues defines a total order over values: first by kind, then by
// payload. Only scalar kinds are meaningful as primary key components,
// but the order is total so containers can hold any value.
func CompareValues(a, b Value) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		switch {
		case !a.Bool && b.Bool:
			return -1
		case a.Bool && !b.Bool:
			return 1
		default:
			return 0
		}
	case KindInt64:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		default:
			return 0
		}
	case KindDouble:
		switch {
		case a.Double < b.Double:
			return -1
		case a.Double > b.Double:
			return 1
		default:
			return 0
		}
	case KindString:
		return strings.Compare(a.Str, b.Str)
	case KindList:
		n := len(a.List)
		if len(b.List) < n {
			n = len(b.List)
		}
		for i := 0; i < n; i++ {
			if c := CompareValues(a.List[i], b.List[i]); c != 0 {
				return c
			}
		}
		return len(a.List) - len(b.List)
	case KindMap:
		aKeys := sortedKeys(a.Map)
		bKeys := sortedKeys(b.Map)
		n := len(aKeys)
		if len(bKeys) < n {
			n = len(bKeys)
		}
		for i := 0; i < n; i++ {
			if c := strings.Compare(aKeys[i], bKeys[i]); c != 0 {
				return c
			}
			if c := CompareValues(a.Map[aKeys[i]], b.Map[bKeys[i]]); c != 0 {
				return c
			}
		}
		return len(aKeys) - len(bKeys)
	case KindVertex:
		if c := compareIds(uint64(a.Vertex.Id.Label), uint64(b.Vertex.Id.Label)); c != 0 {
			return c
		}
		return ComparePrimaryKeys(a.Vertex.Id.PrimaryKey, b.Vertex.Id.PrimaryKey)
	case KindEdge:
		return compareIds(uint64(a.Edge.Id.Gid), uint64(b.Edge.Id.Gid))
	case KindPath:
		return compareIds(uint64(len(a.Path.Parts)), uint64(len(b.Path.Parts)))
	}
	return 0
}

func compareIds(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuesEqual reports deep equality of two values.
func ValuesEqual(a, b Value) bool { return CompareValues(a, b) == 0 }

type valueEnvelope struct {
	Kind   string           `json:"kind"`
	Bool   *bool            `json:"bool,omitempty"`
	Int    *int64           `json:"int64,omitempty"`
	Double *float64         `json:"double,omitempty"`
	Str    *string          `json:"string,omitempty"`
	List   []Value          `json:"list,omitempty"`
	Map    map[string]Value `json:"map,omitempty"`
	Vertex *Vertex          `json:"vertex,omitempty"`
	Edge   *Edge            `json:"edge,omitempty"`
	Path   *Path            `json:"path,omitempty"`
}

// MarshalJSON encodes the value as {"kind": ..., <payload>}.
func (v Value) MarshalJSON() ([]byte, error) {
	env := valueEnvelope{Kind: v.Kind.String()}
	switch v.Kind {
	case KindNull:
	case KindBool:
		env.Bool = &v.Bool
	case KindInt64:
		env.Int = &v.Int
	case KindDouble:
		env.Double = &v.Double
	case KindString:
		env.Str = &v.Str
	case KindList:
		env.List = v.List
		if env.List == nil {
			env.List = []Value{}
		}
	case KindMap:
		env.Map = v.Map
		if env.Map == nil {
			env.Map = map[string]Value{}
		}
	case KindVertex:
		env.Vertex = v.Vertex
	case KindEdge:
		env.Edge = v.Edge
	case KindPath:
		env.Path = v.Path
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Kind {
	case "null", "":
		*v = NullValue()
	case "bool":
		*v = Value{Kind: KindBool}
		if env.Bool != nil {
			v.Bool = *env.Bool
		}
	case "int64":
		*v = Value{Kind: KindInt64}
		if env.Int != nil {
			v.Int = *env.Int
		}
	case "double":
		*v = Value{Kind: KindDouble}
		if env.Double != nil {
			v.Double = *env.Double
		}
	case "string":
		*v = Value{Kind: KindString}
		if env.Str != nil {
			v.Str = *env.Str
		}
	case "list":
		*v = Value{Kind: KindList, List: env.List}
	case "map":
		*v = Value{Kind: KindMap, Map: env.Map}
	case "vertex":
		*v = Value{Kind: KindVertex, Vertex: env.Vertex}
	case "edge":
		*v = Value{Kind: KindEdge, Edge: env.Edge}
	case "path":
		*v = Value{Kind: KindPath, Path: env.Path}
	default:
		return fmt.Errorf("unknown value kind %q", env.Kind)
	}
	return nil
}
