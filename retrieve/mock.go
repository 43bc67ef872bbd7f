package retrieve

import (
	"bytes"
	"context"
	"io"

	devhttp "github.com/randalmurphal/logsift/http"
)

// MockProvider is a mock implementation of Provider for testing.
// Unset functions behave like a run with no logs at all.
type MockProvider struct {
	NameValue         string
	ListArtifactsFunc func(ctx context.Context, src Source) ([]ArtifactRef, error)
	OpenArtifactFunc  func(ctx context.Context, src Source, ref ArtifactRef) (*Payload, error)
	OpenRawLogFunc    func(ctx context.Context, src Source) (*Payload, error)
}

// Name implements Provider.
func (m *MockProvider) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

// ListArtifacts implements Provider.
func (m *MockProvider) ListArtifacts(ctx context.Context, src Source) ([]ArtifactRef, error) {
	if m.ListArtifactsFunc != nil {
		return m.ListArtifactsFunc(ctx, src)
	}
	return nil, nil
}

// OpenArtifact implements Provider.
func (m *MockProvider) OpenArtifact(ctx context.Context, src Source, ref ArtifactRef) (*Payload, error) {
	if m.OpenArtifactFunc != nil {
		return m.OpenArtifactFunc(ctx, src, ref)
	}
	return nil, devhttp.NewAPIError(m.Name(), 404, "artifact "+ref.ID, "not found")
}

// OpenRawLog implements Provider.
func (m *MockProvider) OpenRawLog(ctx context.Context, src Source) (*Payload, error) {
	if m.OpenRawLogFunc != nil {
		return m.OpenRawLogFunc(ctx, src)
	}
	return nil, devhttp.NewAPIError(m.Name(), 404, "raw log", "not found")
}

// BytesPayload wraps data as a streaming payload.
func BytesPayload(data []byte, contentType string) *Payload {
	return &Payload{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
}

// CompressedProvider returns a mock serving data as the single compressed
// artifact of every run, with no raw log.
func CompressedProvider(name string, data []byte, contentType string) *MockProvider {
	return &MockProvider{
		ListArtifactsFunc: func(context.Context, Source) ([]ArtifactRef, error) {
			return []ArtifactRef{{ID: "1", Name: name, Size: int64(len(data)), ContentType: contentType}}, nil
		},
		OpenArtifactFunc: func(context.Context, Source, ArtifactRef) (*Payload, error) {
			return BytesPayload(data, contentType), nil
		},
	}
}

// RawProvider returns a mock serving data only on the raw channel.
func RawProvider(data []byte) *MockProvider {
	return &MockProvider{
		OpenRawLogFunc: func(context.Context, Source) (*Payload, error) {
			return BytesPayload(data, "text/plain"), nil
		},
	}
}
