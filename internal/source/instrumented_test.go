package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/violetmx/cineloop/internal/domain"
)

type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, clip domain.ClipID, indices []int, res domain.Resolution) (map[int]domain.FramePayload, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int]domain.FramePayload, len(indices))
	for _, i := range indices {
		out[i] = domain.FramePayload{Bytes: []byte{byte(i)}}
	}
	return out, nil
}

type fakeDecoder struct {
	calls int
	err   error
}

type nopHandle struct{}

func (nopHandle) SetFrameIndex(int) {}
func (nopHandle) Render()           {}
func (nopHandle) Release()          {}

func (d *fakeDecoder) DecodeAndRegister(ctx context.Context, key domain.FrameKey) (domain.RendererHandle, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return nopHandle{}, nil
}

func TestComposeJoinsFetcherAndDecoder(t *testing.T) {
	dec := &fakeDecoder{}
	src := Compose(&fakeFetcher{}, dec)

	payloads, err := src.FetchBatch(context.Background(), "c", []int{0, 1}, domain.ResolutionStandard)
	if err != nil || len(payloads) != 2 {
		t.Fatalf("fetch through composite: %v, %d payloads", err, len(payloads))
	}

	if _, err := src.DecodeAndRegister(context.Background(), domain.FrameKey{Clip: "c"}); err != nil {
		t.Fatalf("decode through composite: %v", err)
	}
	if dec.calls != 1 {
		t.Fatalf("decoder not reached, calls=%d", dec.calls)
	}
}

func TestInstrumentedForwardsErrorsUnchanged(t *testing.T) {
	fetchErr := errors.New("network down")
	decodeErr := errors.New("bad pixel data")
	src := NewInstrumented(
		Compose(&fakeFetcher{err: fetchErr}, &fakeDecoder{err: decodeErr}),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	if _, err := src.FetchBatch(context.Background(), "c", []int{0}, domain.ResolutionStandard); !errors.Is(err, fetchErr) {
		t.Fatalf("fetch error not forwarded: %v", err)
	}
	if _, err := src.DecodeAndRegister(context.Background(), domain.FrameKey{Clip: "c"}); !errors.Is(err, decodeErr) {
		t.Fatalf("decode error not forwarded: %v", err)
	}
}
