package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/middleware"
	"github.com/technosupport/ts-cctv/internal/objstore"
)

func withURLParam(r *http.Request, name, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestCameraRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     cameraRequest
		wantErr string
	}{
		{
			name:    "missing name",
			req:     cameraRequest{RTSPURL: "rtsp://cam/stream"},
			wantErr: "name is required",
		},
		{
			name:    "no url and no host",
			req:     cameraRequest{Name: "gate"},
			wantErr: "either rtsp_url or host and port are required",
		},
		{
			name:    "host without port",
			req:     cameraRequest{Name: "gate", Host: "10.0.0.5"},
			wantErr: "either rtsp_url or host and port are required",
		},
		{
			name:    "bad recording mode",
			req:     cameraRequest{Name: "gate", RTSPURL: "rtsp://cam/stream", RecordingMode: "cloud"},
			wantErr: "recording_mode must be server or local_client",
		},
		{
			name: "valid with url",
			req:  cameraRequest{Name: "gate", RTSPURL: "rtsp://cam/stream"},
		},
		{
			name: "valid with host and port",
			req:  cameraRequest{Name: "gate", Host: "10.0.0.5", Port: 554, RecordingMode: "local_client"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, tt.req.validate())
		})
	}
}

func TestCameraGetInvalidID(t *testing.T) {
	h := &CameraHandler{}
	req := withURLParam(httptest.NewRequest("GET", "/api/v1/cameras/nope", nil), "id", "nope")
	rr := httptest.NewRecorder()

	h.Get(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Invalid camera ID", body["error"])
}

func TestCameraGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .+ FROM cameras WHERE id`).
		WillReturnError(sql.ErrNoRows)

	h := &CameraHandler{Cameras: data.CameraModel{DB: db}}
	id := uuid.NewString()
	req := withURLParam(httptest.NewRequest("GET", "/api/v1/cameras/"+id, nil), "id", id)
	rr := httptest.NewRecorder()

	h.Get(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleCreateRejectsBadPayloads(t *testing.T) {
	h := &ScheduleHandler{}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing name", `{"camera_id":"` + uuid.NewString() + `"}`, http.StatusBadRequest},
		{"missing camera", `{"name":"night"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/schedules", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.Create(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestScheduleCreateValidatesSemantics(t *testing.T) {
	origNow := timeNow
	timeNow = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	defer func() { timeNow = origNow }()

	db, mock := newMockDB(t)
	camID := uuid.New()
	cameraRows := sqlmock.NewRows([]string{
		"id", "name", "host", "port", "username", "password", "rtsp_url", "sub_rtsp_url", "rtsp_path",
		"auto_record", "quality", "max_recording_hours", "recording_mode", "is_public", "is_active",
		"is_online", "is_streaming", "status", "last_seen_at", "created_by", "created_at", "updated_at",
	}).AddRow(
		camID, "gate", "", 0, "", "", "rtsp://cam/stream", "", "",
		false, "medium", 0, "server", false, true,
		false, false, "ok", nil, "", time.Now(), time.Now(),
	)
	mock.ExpectQuery(`SELECT .+ FROM cameras WHERE id`).WillReturnRows(cameraRows)

	h := &ScheduleHandler{Cameras: data.CameraModel{DB: db}}

	// end_time equal to start_time is rejected before any insert.
	body := `{"camera_id":"` + camID.String() + `","name":"night","kind":"daily",` +
		`"start_time":"22:00:00","end_time":"22:00:00"}`
	req := httptest.NewRequest("POST", "/api/v1/schedules", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.Create(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "end_time must differ")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordingListRejectsBadFilters(t *testing.T) {
	h := &RecordingHandler{}

	for _, target := range []string{
		"/api/v1/recordings?camera_id=banana",
		"/api/v1/recordings?from=yesterday",
	} {
		req := httptest.NewRequest("GET", target, nil)
		rr := httptest.NewRecorder()
		h.List(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func agentRequest(method, target, body string, agent *data.AgentClient) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(middleware.WithAgent(req.Context(), agent))
}

func cameraRowWithMode(id uuid.UUID, mode string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "host", "port", "username", "password", "rtsp_url", "sub_rtsp_url", "rtsp_path",
		"auto_record", "quality", "max_recording_hours", "recording_mode", "is_public", "is_active",
		"is_online", "is_streaming", "status", "last_seen_at", "created_by", "created_at", "updated_at",
	}).AddRow(
		id, "gate", "", 0, "", "", "rtsp://cam/stream", "", "",
		false, "medium", 0, mode, false, true,
		false, false, "ok", nil, "", time.Now(), time.Now(),
	)
}

func TestLocalClientStatusObjectKeyFlipsToCloud(t *testing.T) {
	db, mock := newMockDB(t)
	agent := &data.AgentClient{ID: uuid.New(), Name: "gate-agent"}
	recID := uuid.New()
	camID := uuid.New()
	key := "recordings/" + camID.String() + "/Gate_20260310_120000.mp4"
	started := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	recRows := sqlmock.NewRows([]string{
		"id", "camera_id", "schedule_id", "name", "file_path", "storage_type", "file_size",
		"duration", "started_at", "ended_at", "status", "resolution", "frame_rate", "codec",
		"frames_written", "error_message", "upload_status", "recorded_by", "created_by",
		"created_at", "updated_at",
	}).AddRow(
		recID, camID, nil, "Gate", "/media/Gate_20260310_120000.mp4", data.StorageLocal, int64(4096),
		30.5, started, nil, data.RecordingCompleted, "1280x720", 25.0, "mp4v",
		int64(750), "", data.UploadPending, agent.Name, "",
		started, started,
	)
	mock.ExpectQuery(`SELECT .+ FROM recordings WHERE id`).
		WithArgs(recID).
		WillReturnRows(recRows)

	// An upload confirmation carries only the key; the local stats must
	// survive and the row must move to cloud storage.
	mock.ExpectQuery(`UPDATE recordings`).
		WithArgs(
			"Gate", key, data.StorageCloud, int64(4096), 30.5, nil,
			data.RecordingCompleted, "1280x720", 25.0, "mp4v", int64(750),
			"", data.UploadCompleted, recID,
		).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))

	h := &LocalClientHandler{Recordings: data.RecordingModel{DB: db}}
	body := `{"recording_id":"` + recID.String() + `","status":"completed",` +
		`"upload_status":"completed","object_key":"` + key + `"}`
	rr := httptest.NewRecorder()

	h.RecordingStatus(rr, agentRequest("POST", "/local-client/recordings/status", body, agent))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var got data.Recording
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, data.StorageCloud, got.StorageType)
	assert.Equal(t, key, got.FilePath)
	assert.Equal(t, int64(4096), got.FileSize)
}

func TestLocalClientRegisterRejectsServerModeCamera(t *testing.T) {
	db, mock := newMockDB(t)
	agent := &data.AgentClient{ID: uuid.New(), Name: "gate-agent"}
	camID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM cameras WHERE id`).
		WillReturnRows(cameraRowWithMode(camID, data.RecordingModeServer))

	h := &LocalClientHandler{Cameras: data.CameraModel{DB: db}}
	body := `{"camera_id":"` + camID.String() + `","name":"Gate"}`
	rr := httptest.NewRecorder()

	h.RegisterRecording(rr, agentRequest("POST", "/local-client/recordings/register", body, agent))

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalClientRegisterRejectsUnassignedCamera(t *testing.T) {
	db, mock := newMockDB(t)
	agent := &data.AgentClient{ID: uuid.New(), Name: "gate-agent"}
	camID := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM cameras WHERE id`).
		WillReturnRows(cameraRowWithMode(camID, data.RecordingModeLocalClient))
	// The agent owns a different camera; no recording row is created.
	mock.ExpectQuery(`SELECT camera_id FROM agent_cameras WHERE agent_id`).
		WithArgs(agent.ID).
		WillReturnRows(sqlmock.NewRows([]string{"camera_id"}).AddRow(uuid.New()))

	h := &LocalClientHandler{Cameras: data.CameraModel{DB: db}}
	body := `{"camera_id":"` + camID.String() + `","name":"Gate"}`
	rr := httptest.NewRecorder()

	h.RegisterRecording(rr, agentRequest("POST", "/local-client/recordings/register", body, agent))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalClientHeartbeatRequiresAgent(t *testing.T) {
	h := &LocalClientHandler{}
	req := httptest.NewRequest("POST", "/local-client/heartbeat", nil)
	rr := httptest.NewRecorder()

	h.Heartbeat(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestTransferEnqueueRequiresConfiguredStore(t *testing.T) {
	h := &TransferHandler{Store: objstore.Disabled{}}
	req := httptest.NewRequest("POST", "/api/v1/recordings/transfer-to-cloud",
		strings.NewReader(`{"recording_id":"`+uuid.NewString()+`"}`))
	rr := httptest.NewRecorder()

	h.Enqueue(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}
