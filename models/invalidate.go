package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidateAmbiguous = errors.New("exactly one of 'seq' or 'seqs' must be provided")
	ErrInvalidSeq          = errors.New("seq must be a positive integer")
)

// SeqList validates the request and returns the seqs it targets.
// An explicit empty 'seqs' list is valid and targets nothing.
func (r InvalidateRequest) SeqList() ([]int, error) {
	hasSeq := r.Seq != nil
	hasSeqs := r.Seqs != nil
	if hasSeq == hasSeqs {
		return nil, ErrInvalidateAmbiguous
	}
	if hasSeq {
		if *r.Seq <= 0 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidSeq, *r.Seq)
		}
		return []int{*r.Seq}, nil
	}
	for _, seq := range r.Seqs {
		if seq <= 0 {
			return nil, fmt.Errorf("%w: got %d", ErrInvalidSeq, seq)
		}
	}
	return r.Seqs, nil
}
