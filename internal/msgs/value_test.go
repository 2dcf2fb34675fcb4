package msgs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareValuesTotalOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"null equals null", NullValue(), NullValue(), 0},
		{"ints ordered", IntValue(1), IntValue(2), -1},
		{"ints equal", IntValue(7), IntValue(7), 0},
		{"strings ordered", StringValue("a"), StringValue("b"), -1},
		{"bool ordered", BoolValue(false), BoolValue(true), -1},
		{"kinds ordered", NullValue(), IntValue(0), -1},
		{"lists lexicographic", ListValue([]Value{IntValue(1), IntValue(2)}), ListValue([]Value{IntValue(1), IntValue(3)}), -1},
		{"shorter list first", ListValue([]Value{IntValue(1)}), ListValue([]Value{IntValue(1), IntValue(0)}), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareValues(tt.a, tt.b)
			if tt.want < 0 {
				assert.Negative(t, got)
				assert.Positive(t, CompareValues(tt.b, tt.a))
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestComparePrimaryKeysLexicographic(t *testing.T) {
	a := PrimaryKey{IntValue(0), IntValue(0)}
	b := PrimaryKey{IntValue(0), IntValue(1)}
	c := PrimaryKey{IntValue(13), IntValue(13)}

	assert.Negative(t, ComparePrimaryKeys(a, b))
	assert.Negative(t, ComparePrimaryKeys(b, c))
	assert.Equal(t, 0, ComparePrimaryKeys(c, c))
	assert.Positive(t, ComparePrimaryKeys(c, a))
}

func TestValueJSONRoundTrip(t *testing.T) {
	nested := MapValue(map[string]Value{
		"name":  StringValue("acheron"),
		"score": DoubleValue(2.5),
		"tags":  ListValue([]Value{IntValue(1), NullValue(), BoolValue(true)}),
		"vertex": VertexValue(Vertex{
			Id:     VertexId{Label: 3, PrimaryKey: PrimaryKey{IntValue(42)}},
			Labels: []LabelId{3, 9},
		}),
	})

	data, err := json.Marshal(nested)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, ValuesEqual(nested, decoded))
}

func TestValueCloneIsDeep(t *testing.T) {
	original := ListValue([]Value{IntValue(1), StringValue("x")})
	cloned := original.Clone()
	cloned.List[0] = IntValue(99)

	assert.Equal(t, int64(1), original.List[0].Int)
}
