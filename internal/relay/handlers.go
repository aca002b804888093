package relay

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-ledger/internal/archive"
	"github.com/zombor/receipt-ledger/internal/imageprep"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

const (
	maxJSONSize    = int64(20 << 20)
	maxUploadSize  = int64(50 << 20)
	archiveTimeout = 30 * time.Second
)

var validate = validator.New()

// LoginRequest is the body of POST /login
type LoginRequest struct {
	ID   string `json:"id" validate:"required"`
	Pass string `json:"pass" validate:"required"`
}

// LoginResponse is the reply to POST /login
type LoginResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ExtractResponse is the reply to POST /extract-image
type ExtractResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SaveResponse is the reply to POST /save-receipt
type SaveResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// PrepareResponse is the reply to POST /prepare-image
type PrepareResponse struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// ConfigResponse describes what the review screen may offer
type ConfigResponse struct {
	Payers        []string           `json:"payers"`
	Models        []string           `json:"models"`
	DefaultModel  string             `json:"defaultModel"`
	Currency      string             `json:"currency"`
	Categories    []receipt.Category `json:"categories"`
	Kinds         []receipt.Kind     `json:"kinds"`
	SchemaVersion string             `json:"schemaVersion"`
	Prompt        string             `json:"prompt"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// handleLoginPage serves the login form
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(loginHTML)
}

// handleLogin checks the shared credential and starts a session
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{OK: false, Message: "Invalid request"})
		return
	}

	// both comparisons always run so timing does not reveal which one failed
	idOK := equal(req.ID, s.cfg.LoginID)
	passOK := equal(req.Pass, s.cfg.LoginPass)
	if err := validate.Struct(req); err != nil || !idOK || !passOK {
		slog.Info("Rejected login", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, LoginResponse{OK: false, Message: "Invalid credentials"})
		return
	}

	token, err := s.sessions.Create()
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		writeJSON(w, http.StatusInternalServerError, LoginResponse{OK: false, Message: "Internal server error"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, LoginResponse{OK: true})
}

// handleLogout revokes the session and expires the cookie
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := s.sessions.Revoke(cookie.Value); err != nil {
			slog.Error("Failed to revoke session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, LoginResponse{OK: true})
}

// handleIndex serves the review screen
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the stylesheet
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(appCSS)
}

// handleStaticJS serves the review screen script
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleConfig returns the payers, models and categories the screen offers
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.cfg.Profile.Prompt()
	if err != nil {
		slog.Error("Failed to render prompt", "error", err)
		writeJSON(w, http.StatusInternalServerError, ExtractResponse{Error: "Internal server error"})
		return
	}

	payers := s.cfg.Payers
	if payers == nil {
		payers = []string{}
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		Payers:        payers,
		Models:        s.cfg.Profile.EnabledModels,
		DefaultModel:  s.cfg.Profile.DefaultModel(),
		Currency:      s.cfg.Profile.Currency,
		Categories:    receipt.Categories,
		Kinds:         receipt.Kinds,
		SchemaVersion: string(s.cfg.Profile.SchemaVersion),
		Prompt:        prompt,
	})
}

// handlePrepareImage bounds and re-encodes an uploaded photo
func (s *Server) handlePrepareImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: errorMsg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: "No file was selected."})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, ExtractResponse{Error: "Error reading file."})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = imageprep.MimeTypeFor(header.Filename)
	}

	prepared, err := imageprep.Prepare(data, contentType)
	if err != nil {
		slog.Error("Error preparing image", "filename", header.Filename, "error", err)
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, PrepareResponse{
		Data:     prepared.Base64(),
		MimeType: prepared.MimeType,
		Width:    prepared.Width,
		Height:   prepared.Height,
	})
}

// handleExtractImage forwards one image and prompt to the generation model
// and relays the raw JSON text back as message
func (s *Server) handleExtractImage(w http.ResponseWriter, r *http.Request) {
	var req receipt.ExtractRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: "Invalid request body"})
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Profile.DefaultModel()
	}
	if !s.cfg.Profile.Enabled(model) {
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: receipt.ErrUnsupportedModel.Error() + ": " + model})
		return
	}
	if req.Image.Data == "" {
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: receipt.ErrNoImage.Error()})
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Image.Data)
	if err != nil || len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: "Image data is not valid base64"})
		return
	}
	mimeType := req.Image.MimeType
	if imageprep.NeedsConversion(mimeType) {
		prepared, err := imageprep.Prepare(data, mimeType)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ExtractResponse{Error: err.Error()})
			return
		}
		data, mimeType = prepared.Data, prepared.MimeType
	}

	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		if prompt, err = s.cfg.Profile.Prompt(); err != nil {
			slog.Error("Failed to render prompt", "error", err)
			writeJSON(w, http.StatusInternalServerError, ExtractResponse{Error: "Internal server error"})
			return
		}
	}

	text, err := s.generator.Generate(r.Context(), scanning.Request{
		Prompt:   prompt,
		Model:    model,
		Image:    data,
		MimeType: mimeType,
	})
	if err != nil {
		if r.Context().Err() != nil {
			slog.Info("Extraction abandoned by client", "model", model)
			return
		}
		slog.Error("Failed to extract receipt", "model", model, "error", err)
		writeJSON(w, http.StatusInternalServerError, ExtractResponse{Error: err.Error()})
		return
	}

	s.archiveImage(r.Context(), data, mimeType)
	writeJSON(w, http.StatusOK, ExtractResponse{Message: text})
}

// archiveImage stores a copy of the image in the background. Failures are
// only logged.
func (s *Server) archiveImage(ctx context.Context, data []byte, mimeType string) {
	if s.cfg.Archive == nil {
		return
	}
	key := archive.Key(time.Now(), archive.Extension(mimeType))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	go func() {
		defer cancel()
		if err := s.cfg.Archive.Save(ctx, key, data, mimeType); err != nil {
			slog.Error("Failed to archive image", "key", key, "error", err)
			return
		}
		slog.Debug("Archived image", "key", key)
	}()
}

// allowedPayer reports whether payer may appear in a saved row
func (s *Server) allowedPayer(payer string) bool {
	if len(s.cfg.Payers) == 0 {
		return true
	}
	for _, p := range s.cfg.Payers {
		if p == payer {
			return true
		}
	}
	return false
}

// handleSaveReceipt appends the reviewed rows to the spreadsheet
func (s *Server) handleSaveReceipt(w http.ResponseWriter, r *http.Request) {
	var rows []receipt.PersistedRow
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONSize)).Decode(&rows); err != nil {
		writeJSON(w, http.StatusBadRequest, SaveResponse{OK: false, Message: "Invalid request body"})
		return
	}
	if err := receipt.ValidateRows(rows); err != nil {
		writeJSON(w, http.StatusBadRequest, SaveResponse{OK: false, Message: err.Error()})
		return
	}
	for _, row := range rows {
		if !s.allowedPayer(row.Payer) {
			writeJSON(w, http.StatusBadRequest, SaveResponse{OK: false, Message: "Unknown payer: " + row.Payer})
			return
		}
	}

	if err := s.appender.Append(r.Context(), rows); err != nil {
		slog.Error("Failed to append rows", "rows", len(rows), "error", err)
		writeJSON(w, http.StatusInternalServerError, SaveResponse{OK: false})
		return
	}

	slog.Info("Saved receipt", "rows", len(rows))
	writeJSON(w, http.StatusOK, SaveResponse{OK: true})
}
