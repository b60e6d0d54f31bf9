package blobstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }

func TestWrapS3Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		fallback error
		want     error
	}{
		{"NoSuchKey code", &mockAPIError{code: "NoSuchKey"}, ErrGetFailed, ErrNotFound},
		{"NotFound code", &mockAPIError{code: "NotFound"}, ErrGetFailed, ErrNotFound},
		{"AccessDenied code", &mockAPIError{code: "AccessDenied"}, ErrPutFailed, ErrAccessDenied},
		{"Forbidden code", &mockAPIError{code: "Forbidden"}, ErrPutFailed, ErrAccessDenied},
		{"NoSuchKey typed", &types.NoSuchKey{}, ErrGetFailed, ErrNotFound},
		{"unknown code", &mockAPIError{code: "SlowDown"}, ErrPutFailed, ErrPutFailed},
		{"plain error", errors.New("dial tcp: timeout"), ErrGetFailed, ErrGetFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, wrapS3Error(tt.err, tt.fallback), tt.want)
		})
	}
}

func TestNewS3Validation(t *testing.T) {
	t.Parallel()

	_, err := NewS3(Config{Region: "eu-west-2", AccessKey: "a", SecretKey: "b"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewS3(Config{Bucket: "b", AccessKey: "a", SecretKey: "b"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewS3(Config{Bucket: "b", Region: "eu-west-2"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewS3(Config{Bucket: "b", Region: "eu-west-2", AccessKey: "a", SecretKey: "b", Endpoint: "http://localhost:9000", PathStyle: true})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, st)

	_, err = Open(Config{Driver: "ftp"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "chats.txt")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "chats.txt", []byte("1\n")))
	got, err := m.Get(ctx, "chats.txt")
	require.NoError(t, err)
	require.Equal(t, "1\n", string(got))
	require.Equal(t, 1, m.Puts())
	require.Equal(t, "1\n", string(m.LastPut()))

	boom := errors.New("boom")
	m.FailPut(boom)
	require.ErrorIs(t, m.Put(ctx, "chats.txt", []byte("2\n")), boom)
	require.Equal(t, 2, m.Puts())
	require.Equal(t, "1\n", string(m.LastPut()))

	m.FailGet(boom)
	_, err = m.Get(ctx, "chats.txt")
	require.ErrorIs(t, err, boom)
}

func TestMemoryHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()
	require.ErrorIs(t, m.Put(ctx, "k", nil), context.Canceled)
	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}
