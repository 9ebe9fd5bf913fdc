package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/trezcool/masomo-offline/apps/api/echo"
	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/remote"
	"github.com/trezcool/masomo-offline/services/remote/memremote"
	"github.com/trezcool/masomo-offline/tests"
)

const apiKey = "secret"

var (
	records *memremote.Server

	errMissingKey = remote.Error{Code: http.StatusUnauthorized, Message: "invalid or missing api key"}
	errNotFound   = remote.Error{Code: http.StatusNotFound, Message: "not found"}
)

func setup(t *testing.T) Server {
	// set up services
	validate, translator := core.NewValidator()
	records = memremote.NewServer(memremote.WithValidation(validate, translator), memremote.WithPageSize(2))

	// set up server
	return NewServer(
		&Options{
			APIKey:         apiKey,
			TestMode:       true,
			DisableReqLogs: true,
			Logger:         testutil.NewLogger(),
		},
		&Deps{Records: records},
	)
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		if rec.Body.Len() > 0 {
			t.Errorf("failed! data = %v; want no content", rec.Body.String())
		}
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app Server, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			if prefix, ok := tt.extra.(string); ok {
				checkCodeAndMessage(t, tt.wantCode, prefix, rec)
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

// checkCodeAndMessage checks the status and the prefix of the error message, for messages built by parsers.
func checkCodeAndMessage(t *testing.T, wantCode int, prefix string, rec *httptest.ResponseRecorder) {
	if rec.Code != wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, wantCode)
	}
	var rErr remote.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &rErr); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if !strings.HasPrefix(rErr.Message, prefix) {
		t.Errorf("failed! message = %q; want prefix %q", rErr.Message, prefix)
	}
}
