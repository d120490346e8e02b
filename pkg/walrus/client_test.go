package walrus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floelabs/floe/pkg/sui"
)

func newPublisher(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestPublishNewlyCreated(t *testing.T) {
	var gotBody []byte
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/blobs", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("epochs"))
		require.EqualValues(t, 9, r.ContentLength)

		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"newlyCreated": map[string]any{
				"blobObject": map[string]any{"blobId": "blob-new"},
			},
		})
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	blobID, err := client.Publish(context.Background(), strings.NewReader("test data"), 9, 7)
	require.NoError(t, err)
	require.Equal(t, "blob-new", blobID)
	require.Equal(t, []byte("test data"), gotBody)
}

func TestPublishAlreadyCertified(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alreadyCertified": map[string]any{"blobId": "blob-dup"},
		})
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	blobID, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.NoError(t, err)
	require.Equal(t, "blob-dup", blobID)
}

func TestPublishBlobIDPrecedence(t *testing.T) {
	// newlyCreated wins over the other locations when several are present.
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"newlyCreated":     map[string]any{"blobObject": map[string]any{"blobId": "first"}},
			"alreadyCertified": map[string]any{"blobId": "second"},
			"blobObject":       map[string]any{"blobId": "third"},
		})
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	blobID, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.NoError(t, err)
	require.Equal(t, "first", blobID)
}

func TestPublishMissingBlobID(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"unexpected": true})
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.ErrorIs(t, err, ErrMissingBlobID)
}

func TestPublishRejectsNonPositiveEpochs(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("publish must not reach the publisher with invalid epochs")
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	for _, epochs := range []int{0, -1} {
		_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, epochs)
		require.ErrorIs(t, err, ErrInvalidEpochs)
	}
}

func TestPublishStatusError(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "slow down")
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, "PUBLISH_FAILED:429:slow down", statusErr.Error())
}

func TestPublishTruncatesErrorBody(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, strings.Repeat("e", 4096))
	})

	client := NewClient(Config{PublisherURL: server.URL}, nil, nil)
	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Len(t, statusErr.Body, maxErrorBody)
}

type fakeRegistry struct {
	balance *big.Int
	err     error
	calls   int
}

func (f *fakeRegistry) GetBalance(ctx context.Context, owner, coinType string) (*big.Int, error) {
	f.calls++
	return f.balance, f.err
}

func newTestSigner(t *testing.T) *sui.Signer {
	t.Helper()
	signer, err := sui.ParseSigner(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return signer
}

func TestBalancePrecheckBlocksPublish(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("publish must not reach the publisher when the precheck fails")
	})

	registry := &fakeRegistry{balance: big.NewInt(10)}
	signer := newTestSigner(t)
	client := NewClient(Config{
		PublisherURL: server.URL,
		MinBalance:   big.NewInt(100),
	}, signer, registry)

	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The verdict is cached: a second attempt does not hit the chain again.
	_, err = client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, 1, registry.calls)
}

func TestBalancePrecheckPasses(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alreadyCertified": map[string]any{"blobId": "b"},
		})
	})

	registry := &fakeRegistry{balance: big.NewInt(1000)}
	client := NewClient(Config{
		PublisherURL: server.URL,
		MinBalance:   big.NewInt(100),
	}, newTestSigner(t), registry)

	blobID, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.NoError(t, err)
	require.Equal(t, "b", blobID)
}

func TestBalancePrecheckChainErrorDoesNotBlock(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alreadyCertified": map[string]any{"blobId": "b"},
		})
	})

	registry := &fakeRegistry{err: fmt.Errorf("node down")}
	client := NewClient(Config{
		PublisherURL: server.URL,
		MinBalance:   big.NewInt(100),
	}, newTestSigner(t), registry)

	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.NoError(t, err)
}

func TestMainnetSignedHeaders(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("X-Sui-Address"))
		require.NotEmpty(t, r.Header.Get("X-Sui-Timestamp"))
		require.NotEmpty(t, r.Header.Get("X-Sui-Signature"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alreadyCertified": map[string]any{"blobId": "b"},
		})
	})

	client := NewClient(Config{
		PublisherURL: server.URL,
		Network:      "mainnet",
	}, newTestSigner(t), nil)

	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.NoError(t, err)
}

func TestTestnetSkipsSignedHeaders(t *testing.T) {
	server := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("X-Sui-Signature"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alreadyCertified": map[string]any{"blobId": "b"},
		})
	})

	client := NewClient(Config{
		PublisherURL: server.URL,
		Network:      "testnet",
	}, newTestSigner(t), nil)

	_, err := client.Publish(context.Background(), strings.NewReader("x"), 1, 1)
	require.NoError(t, err)
}
