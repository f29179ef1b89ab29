package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/api/middleware"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/glucose"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/pipeline"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/google/uuid"
)

const maxUploadBytes = 20 << 20

// UploadResponse summarises one manual upload.
type UploadResponse struct {
	FileName   string `json:"file_name"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Anomalies  int    `json:"anomalies"`
	Events     int    `json:"events"`
	Skipped    int    `json:"skipped"`
}

// UploadHandler accepts a CGM export as multipart "file" or as the raw body.
func UploadHandler(p *pipeline.Pipeline, store *glucose.Store, log *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r.Context())
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

		name, contentType, data, err := readUpload(r)
		if err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "Could not read upload").WithInternal(err))
			return
		}
		profileID := r.FormValue("profile_id")

		parsed, err := glucose.Parse(name, contentType, data)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, glucose.ErrMalformedFile) {
				status = http.StatusBadRequest
			}
			apierr.Write(w, r, log, apierr.New(status, apierr.CodeMalformedPayload, "Unrecognised glucose file").WithInternal(err))
			return
		}

		metrics := make([]providers.Metric, len(parsed.Readings))
		for i, rd := range parsed.Readings {
			metrics[i] = providers.Metric{
				Type:      providers.MetricGlucose,
				Value:     rd.ValueMgDl,
				Unit:      glucose.UnitMgDl,
				Timestamp: rd.Timestamp,
				Trend:     rd.Trend,
			}
		}
		// A client hanging up mid-batch must not leave the upload half written.
		ctx := context.WithoutCancel(r.Context())
		out, err := p.Persist(ctx, pipeline.Target{UserID: userID, ProfileID: profileID, Source: glucose.SourceManual}, metrics)
		if err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Upload could not be stored").WithInternal(err))
			return
		}

		events := make([]models.GlucoseEvent, len(parsed.Events))
		for i, e := range parsed.Events {
			events[i] = models.GlucoseEvent{
				ID:        uuid.NewString(),
				UserID:    userID,
				ProfileID: profileID,
				Timestamp: e.Timestamp,
				EventType: e.Type,
				Value:     e.Value,
				Source:    glucose.SourceManual,
			}
		}
		nEvents, err := store.InsertEvents(ctx, events)
		if err != nil {
			apierr.Write(w, r, log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Upload events could not be stored").WithInternal(err))
			return
		}

		log.WithContext(ctx).Info("glucose upload processed", "user_id", userID, "file", name,
			"readings", len(parsed.Readings), "stored", out.Stored, "events", nEvents, "skipped", parsed.Skipped)
		apierr.WriteJSON(w, http.StatusOK, UploadResponse{
			FileName:   name,
			Inserted:   out.Glucose,
			Duplicates: out.Duplicates,
			Anomalies:  out.Anomalies,
			Events:     nEvents,
			Skipped:    parsed.Skipped,
		})
	}
}

func readUpload(r *http.Request) (name, contentType string, data []byte, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", "", nil, err
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			return "", "", nil, err
		}
		return header.Filename, header.Header.Get("Content-Type"), data, nil
	}
	data, err = io.ReadAll(r.Body)
	if err != nil {
		return "", "", nil, err
	}
	name = r.URL.Query().Get("file_name")
	if name == "" {
		name = "upload"
	}
	return name, r.Header.Get("Content-Type"), data, nil
}
