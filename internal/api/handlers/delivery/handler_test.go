package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/delivery-frames/internal/model"
	"github.com/aliskhannn/delivery-frames/internal/normalizer"
	deliveryrepo "github.com/aliskhannn/delivery-frames/internal/repository/delivery"
	framerepo "github.com/aliskhannn/delivery-frames/internal/repository/frame"
	deliverysvc "github.com/aliskhannn/delivery-frames/internal/service/delivery"
)

type fakeService struct {
	intake    deliverysvc.IntakeRequest
	photo     []byte
	intakeErr error

	view    deliverysvc.View
	viewErr error

	retryFrame     string
	retryTransform *model.Transform
	retryErr       error

	pending []uuid.UUID
}

func (s *fakeService) Intake(_ context.Context, in deliverysvc.IntakeRequest, photo io.Reader) (uuid.UUID, error) {
	s.intake = in
	s.photo, _ = io.ReadAll(photo)
	if s.intakeErr != nil {
		return uuid.Nil, s.intakeErr
	}
	return uuid.MustParse("8a4c2f5e-1d2b-4c3a-9e8f-7a6b5c4d3e2f"), nil
}

func (s *fakeService) Delivery(_ context.Context, _ uuid.UUID) (deliverysvc.View, error) {
	return s.view, s.viewErr
}

func (s *fakeService) RetryFrame(_ context.Context, _ uuid.UUID, frameID string, tr *model.Transform) error {
	s.retryFrame = frameID
	s.retryTransform = tr
	return s.retryErr
}

func (s *fakeService) Pending() []uuid.UUID { return s.pending }

type fakeFrames struct {
	frames []model.FrameTemplate
	err    error
}

func (f fakeFrames) FramesByModel(context.Context, string) ([]model.FrameTemplate, error) {
	return f.frames, f.err
}

type fakeQueue struct{ status model.QueueStatus }

func (q fakeQueue) Status() model.QueueStatus { return q.status }

type fakeMonitor bool

func (m fakeMonitor) Online() bool { return bool(m) }

var defaultTransform = model.Transform{Scale: 0.8, OffsetX: 50, OffsetY: 50}

func setup(svc *fakeService, frames fakeFrames) *ginext.Engine {
	h := NewHandler(svc, frames, fakeQueue{status: model.QueueStatus{Total: 2, Pending: 1, Retrying: 1}}, fakeMonitor(true), defaultTransform)

	r := ginext.New()
	r.POST("/api/deliveries", h.Create)
	r.GET("/api/deliveries/:id", h.Get)
	r.POST("/api/deliveries/:id/frames/:frameId/retry", h.RetryFrame)
	r.GET("/api/frames", h.Frames)
	r.GET("/api/uploads/status", h.UploadStatus)
	return r
}

func multipartRequest(t *testing.T, fields map[string][]string, photo []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, values := range fields {
		for _, v := range values {
			require.NoError(t, w.WriteField(name, v))
		}
	}
	if photo != nil {
		part, err := w.CreateFormFile("photo", "capture.jpg")
		require.NoError(t, err)
		_, err = part.Write(photo)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/deliveries", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func validFields() map[string][]string {
	return map[string][]string{
		"vehicle_id":      {"VIN123"},
		"operator_id":     {"op-1"},
		"customer_name":   {"Ana"},
		"whatsapp_number": {"+92 300 1234567"},
		"consent":         {"true"},
		"model_key":       {"sedan"},
		"frame_ids":       {"f2", "f1,f3"},
		"scale":           {"1.25"},
	}
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateAcceptsDelivery(t *testing.T) {
	svc := &fakeService{}
	r := setup(svc, fakeFrames{})

	w := serve(r, multipartRequest(t, validFields(), []byte("jpeg bytes")))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Result struct {
			ID uuid.UUID `json:"id"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "8a4c2f5e-1d2b-4c3a-9e8f-7a6b5c4d3e2f", resp.Result.ID.String())

	assert.Equal(t, []byte("jpeg bytes"), svc.photo)
	assert.Equal(t, "VIN123", svc.intake.VehicleID)
	assert.True(t, svc.intake.ConsentToShare)
	assert.Equal(t, []string{"f2", "f1", "f3"}, svc.intake.FrameIDs)
	assert.Equal(t, model.Transform{Scale: 1.25, OffsetX: 50, OffsetY: 50}, svc.intake.Transform)
}

func TestCreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		fields func(map[string][]string)
		photo  []byte
		err    error
		want   int
	}{
		{name: "missing photo", want: http.StatusBadRequest},
		{name: "bad scale", fields: func(f map[string][]string) { f["scale"] = []string{"big"} }, photo: []byte("x"), want: http.StatusBadRequest},
		{name: "bad consent", fields: func(f map[string][]string) { f["consent"] = []string{"maybe"} }, photo: []byte("x"), want: http.StatusBadRequest},
		{name: "oversize", photo: []byte("x"), err: normalizer.ErrOversize, want: http.StatusRequestEntityTooLarge},
		{name: "not an image", photo: []byte("x"), err: normalizer.ErrInvalidType, want: http.StatusUnsupportedMediaType},
		{name: "invalid request", photo: []byte("x"), err: fmt.Errorf("%w: customer name is required", deliverysvc.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "storage down", photo: []byte("x"), err: fmt.Errorf("intake: failed to store photo"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validFields()
			if tt.fields != nil {
				tt.fields(fields)
			}

			r := setup(&fakeService{intakeErr: tt.err}, fakeFrames{})
			w := serve(r, multipartRequest(t, fields, tt.photo))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestGet(t *testing.T) {
	svc := &fakeService{view: deliverysvc.View{
		Delivery:  model.Delivery{CustomerName: "Ana", FramedImageURLs: []string{"https://cdn.test/a.png"}},
		ShareLink: "https://wa.me/923001234567?text=hi",
	}}
	r := setup(svc, fakeFrames{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/deliveries/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"share_link":"https://wa.me/923001234567?text=hi"`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/deliveries/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.viewErr = deliveryrepo.ErrDeliveryNotFound
	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/deliveries/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryFrame(t *testing.T) {
	svc := &fakeService{}
	r := setup(svc, fakeFrames{})
	path := "/api/deliveries/" + uuid.NewString() + "/frames/f2/retry"

	w := serve(r, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"scale":1.1,"offsetX":-4,"offsetY":2}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "f2", svc.retryFrame)
	require.NotNil(t, svc.retryTransform)
	assert.Equal(t, model.Transform{Scale: 1.1, OffsetX: -4, OffsetY: 2}, *svc.retryTransform)

	w = serve(r, httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, svc.retryTransform)

	w = serve(r, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{bad`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.retryErr = fmt.Errorf("%w: frames f3", deliverysvc.ErrIncomplete)
	w = serve(r, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"incomplete"`)

	svc.retryErr = deliverysvc.ErrSessionNotFound
	w = serve(r, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFrames(t *testing.T) {
	frames := []model.FrameTemplate{{ID: "f1", Name: "Classic", ModelKey: "sedan", ArtworkRef: "frames/classic.png"}}
	r := setup(&fakeService{}, fakeFrames{frames: frames})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/frames?model=sedan", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"image_url":"frames/classic.png"`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/frames", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r = setup(&fakeService{}, fakeFrames{err: framerepo.ErrNoFrames})
	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/frames?model=van", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadStatus(t *testing.T) {
	waiting := uuid.MustParse("1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed")
	r := setup(&fakeService{pending: []uuid.UUID{waiting}}, fakeFrames{})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/uploads/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result struct {
			Queue   model.QueueStatus `json:"queue"`
			Online  bool              `json:"online"`
			Pending []uuid.UUID       `json:"pending"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Result.Queue.Total)
	assert.Equal(t, 1, resp.Result.Queue.Retrying)
	assert.True(t, resp.Result.Online)
	assert.Equal(t, []uuid.UUID{waiting}, resp.Result.Pending)
}
