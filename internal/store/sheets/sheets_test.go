package sheets

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/busdismissal/tracker/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil passes through", nil, nil},
		{"429 is rate limited", &googleapi.Error{Code: 429}, store.ErrRateLimited},
		{"403 quota is rate limited", &googleapi.Error{Code: 403, Message: "Quota exceeded for quota metric"}, store.ErrRateLimited},
		{"403 without quota is unauthenticated", &googleapi.Error{Code: 403, Message: "The caller does not have permission"}, store.ErrUnauthenticated},
		{"401 is unauthenticated", &googleapi.Error{Code: 401}, store.ErrUnauthenticated},
		{"404 is not found", &googleapi.Error{Code: 404}, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("classify(nil) = %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_WrappedError(t *testing.T) {
	// The API client may hand back the googleapi error behind layers of
	// wrapping; classification must still see it.
	wrapped := fmt.Errorf("batch get failed: %w", &googleapi.Error{Code: 429})
	if !errors.Is(classify(wrapped), store.ErrRateLimited) {
		t.Errorf("wrapped 429 not classified as rate limited: %v", classify(wrapped))
	}
}

func TestIsAlreadyExists(t *testing.T) {
	exists := fmt.Errorf("add sheet: %w", &googleapi.Error{
		Code:    400,
		Message: `A sheet with the name "2026-03-09" already exists`,
	})
	if !isAlreadyExists(exists) {
		t.Error("duplicate-title error not recognized")
	}
	if isAlreadyExists(&googleapi.Error{Code: 400, Message: "Invalid range"}) {
		t.Error("unrelated 400 treated as duplicate title")
	}
	if isAlreadyExists(errors.New("network down")) {
		t.Error("non-API error treated as duplicate title")
	}
}
