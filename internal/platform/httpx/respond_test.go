package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
}

func TestDecodeJSON(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		optional bool
		wantErr  bool
		want     string
	}{
		{name: "valid", body: `{"name":"March"}`, want: "March"},
		{name: "unknown field", body: `{"nam":"March"}`, wantErr: true},
		{name: "empty required", body: ``, wantErr: true},
		{name: "empty optional", body: ``, optional: true},
		{name: "trailing data", body: `{"name":"a"}{"name":"b"}`, wantErr: true},
		{name: "malformed", body: `{"name":`, optional: true, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			var got payload
			var err error
			if tc.optional {
				err = DecodeOptionalJSON(rec, req, &got)
			} else {
				err = DecodeJSON(rec, req, &got)
			}
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Name)
		})
	}
}

func TestRespondErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: period", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: active", ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: name", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: moderator", ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: session", ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var problem ProblemDetail
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
		assert.Equal(t, tc.status, problem.Status)
	}
}
