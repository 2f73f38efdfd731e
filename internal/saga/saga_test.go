package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ calls []string }

func (r *recorder) step(name string, err error) func(context.Context) error {
	return func(context.Context) error {
		r.calls = append(r.calls, name)
		return err
	}
}

func TestRun_AllStepsSucceed(t *testing.T) {
	rec := &recorder{}
	s := New("test").
		Add("a", rec.step("a", nil), rec.step("undo-a", nil)).
		Add("b", rec.step("b", nil), rec.step("undo-b", nil)).
		Then("c", rec.step("c", nil))

	assert.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, rec.calls)
	assert.Equal(t, 3, s.Len())
}

func TestRun_FailureStopsAndCompensatesInReverse(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	s := New("test").
		Add("a", rec.step("a", nil), rec.step("undo-a", nil)).
		Then("b", rec.step("b", nil)).
		Add("c", rec.step("c", nil), rec.step("undo-c", nil)).
		Add("d", rec.step("d", boom), rec.step("undo-d", nil)).
		Then("e", rec.step("e", nil))

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "c", "d", "undo-c", "undo-a"}, rec.calls)
}

func TestRun_CompensationFailureKeepsOriginalError(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	s := New("test").
		Add("a", rec.step("a", nil), rec.step("undo-a", nil)).
		Add("b", rec.step("b", nil), rec.step("undo-b", errors.New("undo failed"))).
		Then("c", rec.step("c", boom))

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "c", "undo-b", "undo-a"}, rec.calls)
}

func TestRun_CompensationRunsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensatedWith error
	s := New("test").
		Add("a", func(context.Context) error { return nil }, func(c context.Context) error {
			compensatedWith = c.Err()
			return nil
		}).
		Then("b", func(context.Context) error {
			cancel()
			return context.Canceled
		})

	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.NoError(t, compensatedWith)
}
