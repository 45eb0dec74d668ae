package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/guseggert/workerrpc/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestMethodConvertsArguments(t *testing.T) {
	fn := Method(func(p point, scale float64) point {
		return point{X: int(float64(p.X) * scale), Y: int(float64(p.Y) * scale)}
	})

	// shapes a JSON codec produces
	res, err := fn(context.Background(), []any{map[string]any{"x": 1.0, "y": 2.0}, 2.0})
	require.NoError(t, err)
	assert.Equal(t, point{X: 2, Y: 4}, res)

	// missing arguments are zero values
	res, err = fn(context.Background(), []any{map[string]any{"x": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, point{}, res)
}

func TestMethodVariadicAndContext(t *testing.T) {
	type key struct{}
	fn := Method(func(ctx context.Context, prefix string, nums ...int) (string, error) {
		if len(nums) == 0 {
			return "", errors.New("no numbers")
		}
		sum := 0
		for _, n := range nums {
			sum += n
		}
		return prefix + ctx.Value(key{}).(string), nil
	})
	ctx := context.WithValue(context.Background(), key{}, "!")

	res, err := fn(ctx, []any{"sum", 1, 2.0, 3})
	require.NoError(t, err)
	assert.Equal(t, "sum!", res)

	_, err = fn(ctx, []any{"sum"})
	assert.EqualError(t, err, "no numbers")
}

func TestMethodConversionError(t *testing.T) {
	fn := Method(func(n int) int { return n })
	_, err := fn(context.Background(), []any{"not a number"})
	assert.ErrorContains(t, err, "argument 0")
}

func TestMethodRejectsBadSignatures(t *testing.T) {
	assert.Panics(t, func() { Method(42) })
	assert.Panics(t, func() { Method(func() (int, int) { return 0, 0 }) })
	assert.Panics(t, func() { Method(func() (int, error, bool) { return 0, nil, false }) })
}

func TestHandlerUnknownNames(t *testing.T) {
	h := NewHandler()
	_, err := h.Call(context.Background(), "$nope", nil)
	assert.ErrorIs(t, err, ErrNoSuchMethod)
	_, err = h.Listen("onNope", nil)
	assert.ErrorIs(t, err, ErrNoSuchEvent)
}

func TestTypedSkipsUnconvertible(t *testing.T) {
	em := event.NewEmitter[any]()
	var got []int
	sub := Typed[int](em.Event)(func(v int) { got = append(got, v) })
	defer sub.Dispose()

	em.Fire(1)
	em.Fire("two")
	em.Fire(3.0)
	assert.Equal(t, []int{1, 3}, got)
}

func TestAs(t *testing.T) {
	n, err := As[int](5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = As[int](5.0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	b, err := As[[]byte]("aGk=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), b)

	v, err := As[any](nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = As[int]("x")
	assert.Error(t, err)
}
