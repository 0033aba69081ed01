package vectorstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  QdrantConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: QdrantConfig{
				Host:           "localhost",
				Port:           6334,
				CollectionName: "masis_documents",
				VectorSize:     1536,
			},
			wantErr: false,
		},
		{
			name: "missing host",
			config: QdrantConfig{
				Port:           6334,
				CollectionName: "masis_documents",
				VectorSize:     1536,
			},
			wantErr: true,
		},
		{
			name: "invalid port",
			config: QdrantConfig{
				Host:           "localhost",
				Port:           70000,
				CollectionName: "masis_documents",
				VectorSize:     1536,
			},
			wantErr: true,
		},
		{
			name: "missing collection",
			config: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				VectorSize: 1536,
			},
			wantErr: true,
		},
		{
			name: "zero vector size",
			config: QdrantConfig{
				Host:           "localhost",
				Port:           6334,
				CollectionName: "masis_documents",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	c := QdrantConfig{}
	c.ApplyDefaults()

	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, time.Second, c.RetryBackoff)
	assert.Equal(t, 50*1024*1024, c.MaxMessageSize)
	assert.Equal(t, 5, c.CircuitBreakerThreshold)
}

func TestValidateCollectionName(t *testing.T) {
	valid := []string{"masis_documents", "ws_123", "a", "collection_64_chars_ok"}
	for _, name := range valid {
		assert.NoError(t, ValidateCollectionName(name), name)
	}

	invalid := []string{"", "UPPER", "has space", "has-dash", "../etc/passwd", "dots.are.bad"}
	for _, name := range invalid {
		err := ValidateCollectionName(name)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ErrInvalidCollectionName)
	}
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain error")))

	transient := []grpccodes.Code{
		grpccodes.Unavailable,
		grpccodes.DeadlineExceeded,
		grpccodes.Aborted,
		grpccodes.ResourceExhausted,
	}
	for _, code := range transient {
		assert.True(t, IsTransientError(status.Error(code, "boom")), code.String())
	}

	permanent := []grpccodes.Code{
		grpccodes.InvalidArgument,
		grpccodes.NotFound,
		grpccodes.PermissionDenied,
		grpccodes.Internal,
	}
	for _, code := range permanent {
		assert.False(t, IsTransientError(status.Error(code, "boom")), code.String())
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	page := 4
	table := 1
	in := ChunkPayload{
		WorkspaceID:    "ws-1",
		DocumentID:     "doc-1",
		FileName:       "report.pdf",
		ChunkIndex:     7,
		ChunkType:      "table",
		Text:           "Revenue grew 12% in Q3.",
		StructuredData: `{"rows": 3}`,
		PageNumber:     &page,
		TableIndex:     &table,
	}

	out := payloadFromQdrant(payloadToQdrant(in))
	assert.Equal(t, in, out)
}

func TestPayloadRoundTrip_OptionalFieldsAbsent(t *testing.T) {
	in := ChunkPayload{
		WorkspaceID: "ws-1",
		DocumentID:  "doc-1",
		FileName:    "notes.txt",
		ChunkIndex:  0,
		ChunkType:   "text",
		Text:        "hello",
	}

	qp := payloadToQdrant(in)
	_, hasPage := qp["page_number"]
	_, hasTable := qp["table_index"]
	_, hasStructured := qp["structured_data"]
	assert.False(t, hasPage)
	assert.False(t, hasTable)
	assert.False(t, hasStructured)

	out := payloadFromQdrant(qp)
	assert.Equal(t, in, out)
	assert.Nil(t, out.PageNumber)
	assert.Nil(t, out.TableIndex)
}
