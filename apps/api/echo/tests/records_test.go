package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
)

func TestHealthz(t *testing.T) {
	app := setup(t)

	runHTTPTests(t, app, []httpTest{
		{name: "no api key needed", method: http.MethodGet, path: "/healthz", wantCode: http.StatusNoContent},
	})
}

func TestRecordAPI(t *testing.T) {
	app := setup(t)

	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	student := func(lastName string) entity.Payload {
		return entity.Payload{"firstName": "Awe", "lastName": lastName, "classId": "c1"}
	}
	request := func(localID string, data entity.Payload, updatedAt time.Time) []byte {
		return marchallObj(t, remote.Request{LocalID: localID, Payload: data, UpdatedAt: updatedAt})
	}
	version := func(lastName string, updatedAt time.Time, deleted bool) remote.ServerRecord {
		rec := remote.ServerRecord{
			ID:        "1",
			LocalID:   "l1",
			Kind:      entity.KindStudent,
			SchoolID:  "s1",
			Data:      student(lastName),
			UpdatedAt: updatedAt,
			Deleted:   deleted,
		}
		return rec
	}
	conflict := remote.Error{
		Code:    http.StatusConflict,
		Message: "record was modified on the server",
		Server:  func() *remote.ServerRecord { v := version("B", t0, false); return &v }(),
	}

	v1 := version("B", t0, false)
	v2 := version("C", t0.Add(time.Hour), false)
	v3 := version("D", t0.Add(-time.Hour), false)
	v4 := version("D", t0.Add(2*time.Hour), true)

	runHTTPTests(t, app, []httpTest{
		{
			name:     "create: missing api key",
			method:   http.MethodPost,
			path:     "/v1/schools/s1/students",
			body:     request("l1", student("B"), t0),
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errMissingKey),
		},
		{
			name:     "create: wrong api key",
			method:   http.MethodPost,
			path:     "/v1/schools/s1/students",
			body:     request("l1", student("B"), t0),
			token:    "lol",
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errMissingKey),
		},
		{
			name:     "create: unknown kind",
			method:   http.MethodPost,
			path:     "/v1/schools/s1/lol",
			body:     request("l1", student("B"), t0),
			token:    apiKey,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, errNotFound),
		},
		{
			name:     "create: malformed body",
			method:   http.MethodPost,
			path:     "/v1/schools/s1/students",
			body:     []byte("{"),
			token:    apiKey,
			wantCode: http.StatusUnprocessableEntity,
			wantData: marchallObj(t, remote.Error{Code: http.StatusUnprocessableEntity, Message: "malformed request body"}),
		},
		{
			name:     "create",
			method:   http.MethodPost,
			path:     "/v1/schools/s1/students",
			body:     request("l1", student("B"), t0),
			token:    apiKey,
			wantCode: http.StatusCreated,
			wantData: marchallObj(t, v1),
		},
		{
			name:     "create: replay",
			method:   http.MethodPost,
			path:     "/v1/schools/s1/students",
			body:     request("l1", student("B"), t0),
			token:    apiKey,
			wantCode: http.StatusCreated,
			wantData: marchallObj(t, v1),
		},
		{
			name:     "update: older than the server",
			method:   http.MethodPut,
			path:     "/v1/schools/s1/students/1",
			body:     request("l1", student("X"), t0.Add(-time.Hour)),
			token:    apiKey,
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, conflict),
		},
		{
			name:     "update: other school",
			method:   http.MethodPut,
			path:     "/v1/schools/s2/students/1",
			body:     request("l1", student("X"), t0.Add(time.Hour)),
			token:    apiKey,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, remote.Error{Code: http.StatusNotFound, Message: "record 1 not found"}),
		},
		{
			name:     "update",
			method:   http.MethodPut,
			path:     "/v1/schools/s1/students/1",
			body:     request("l1", student("C"), t0.Add(time.Hour)),
			token:    apiKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, v2),
		},
		{
			name:     "update: forced",
			method:   http.MethodPut,
			path:     "/v1/schools/s1/students/1",
			body:     marchallObj(t, remote.Request{LocalID: "l1", Payload: student("D"), UpdatedAt: t0.Add(-time.Hour), Force: true}),
			token:    apiKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, v3),
		},
		{
			name:     "changes: first page",
			method:   http.MethodGet,
			path:     "/v1/schools/s1/changes",
			token:    apiKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, remote.ChangeSet{Changes: []remote.ServerRecord{v1, v2}, Cursor: "2", HasMore: true}),
		},
		{
			name:     "changes: next page",
			method:   http.MethodGet,
			path:     "/v1/schools/s1/changes?cursor=2",
			token:    apiKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, remote.ChangeSet{Changes: []remote.ServerRecord{v3}, Cursor: "3"}),
		},
		{
			name:     "changes: other school",
			method:   http.MethodGet,
			path:     "/v1/schools/s2/changes",
			token:    apiKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, remote.ChangeSet{Changes: []remote.ServerRecord{}}),
		},
		{
			name:     "delete: invalid updatedAt",
			method:   http.MethodDelete,
			path:     "/v1/schools/s1/students/1?localId=l1&updatedAt=lol",
			token:    apiKey,
			wantCode: http.StatusUnprocessableEntity,
			extra:    "invalid query params",
		},
		{
			name:     "delete",
			method:   http.MethodDelete,
			path:     "/v1/schools/s1/students/1?localId=l1&updatedAt=" + t0.Add(2*time.Hour).Format(time.RFC3339Nano),
			token:    apiKey,
			wantCode: http.StatusNoContent,
		},
		{
			name:     "changes: deletion",
			method:   http.MethodGet,
			path:     "/v1/schools/s1/changes?cursor=3",
			token:    apiKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, remote.ChangeSet{Changes: []remote.ServerRecord{v4}, Cursor: "4"}),
		},
		{
			name:     "delete: already deleted",
			method:   http.MethodDelete,
			path:     "/v1/schools/s1/students/1?localId=l1&updatedAt=" + t0.Add(3*time.Hour).Format(time.RFC3339Nano),
			token:    apiKey,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, remote.Error{Code: http.StatusNotFound, Message: "record 1 not found"}),
		},
	})
}

func TestRecordAPI_validation(t *testing.T) {
	app := setup(t)

	body := marchallObj(t, remote.Request{
		LocalID:   "l1",
		Payload:   entity.Payload{"firstName": "Awe", "classId": "c1", "email": "lol"},
		UpdatedAt: time.Now().UTC(),
	})
	req, rec := newAuthRequest(http.MethodPost, "/v1/schools/s1/students", apiKey, body)
	app.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var rErr remote.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rErr))
	assert.Equal(t, http.StatusUnprocessableEntity, rErr.Code)

	fields := make(map[string]string)
	for _, fe := range rErr.Fields {
		fields[fe.Field] = fe.Error
	}
	assert.Contains(t, fields, "lastName")
	assert.Contains(t, fields, "email")
	assert.NotContains(t, fields, "firstName")
	assert.Empty(t, records.Records("s1", entity.KindStudent))
}
