package rabbitmq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"report-sync/models"
)

type fakeInvalidator struct {
	keys    []string
	present map[string]bool
}

func (f *fakeInvalidator) InvalidateMany(keys []string) int {
	f.keys = append(f.keys, keys...)
	n := 0
	for _, k := range keys {
		if f.present[k] {
			delete(f.present, k)
			n++
		}
	}
	return n
}

func TestInvalidationCallbackSingleSeq(t *testing.T) {
	inv := &fakeInvalidator{present: map[string]bool{"report-seq-5": true}}
	cb := InvalidationCallback(inv)

	err := cb(&Message{Body: []byte(`{"seq":5}`), RoutingKey: "report.reprocessed"})

	assert.NoError(t, err)
	assert.Equal(t, []string{"report-seq-5"}, inv.keys)
	assert.Empty(t, inv.present)
}

func TestInvalidationCallbackManySeqs(t *testing.T) {
	inv := &fakeInvalidator{}
	cb := InvalidationCallback(inv)

	assert.NoError(t, cb(&Message{Body: []byte(`{"seqs":[1,2,3]}`)}))
	assert.Equal(t, []string{"report-seq-1", "report-seq-2", "report-seq-3"}, inv.keys)
}

func TestInvalidationCallbackRejectsBadEvents(t *testing.T) {
	cases := map[string]string{
		"malformed": `{"seq":`,
		"neither":   `{}`,
		"both":      `{"seq":1,"seqs":[2]}`,
		"negative":  `{"seqs":[3,-1]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			inv := &fakeInvalidator{}
			err := InvalidationCallback(inv)(&Message{Body: []byte(body)})

			assert.Error(t, err)
			assert.True(t, isPermanent(err))
			assert.Empty(t, inv.keys)
		})
	}
}

func TestInvalidationCallbackAmbiguousIsTyped(t *testing.T) {
	err := InvalidationCallback(&fakeInvalidator{})(&Message{Body: []byte(`{}`)})
	assert.True(t, errors.Is(err, models.ErrInvalidateAmbiguous))
}

func TestPermanentNil(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, isPermanent(errors.New("transient")))
}
