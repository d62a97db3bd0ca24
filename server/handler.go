package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/imgclassify/service"
	"github.com/krau/imgclassify/storage"
)

var (
	errUnauthorized = errors.New("unauthorized")
)

type page struct {
	Prediction *service.Prediction
	Status     string
	ImagePath  string
}

func (s *Server) authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	expectedToken := s.opts.Token
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

func (s *Server) IndexHandler(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", page{})
}

// SubmitHandler saves the upload under the static dir, reads it back and
// renders the prediction. Failures never escape as 5xx: the page shows a
// status line instead.
func (s *Server) SubmitHandler(c *gin.Context) {
	fileHeader, err := c.FormFile(FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Upload too large", slog.Int64("limit", tooLarge.Limit))
			s.metrics.observeOutcome(outcomeTooLarge)
			c.HTML(http.StatusRequestEntityTooLarge, "index.html", page{Status: StatusError})
			return
		}
		s.renderNoUpload(c)
		return
	}
	if fileHeader == nil || fileHeader.Filename == "" {
		s.renderNoUpload(c)
		return
	}

	up, err := s.saveUpload(fileHeader)
	if errors.Is(err, storage.ErrInvalidFilename) {
		s.renderNoUpload(c)
		return
	}
	if err != nil {
		s.renderError(c, err, "")
		return
	}
	imagePath := s.store.URL(up.Name)

	start := time.Now()
	pred, err := s.predictor.Predict(c.Request.Context(), up.Data)
	s.metrics.observeLatency(time.Since(start))
	if err != nil {
		s.renderError(c, err, imagePath)
		return
	}

	slog.Info("Prediction",
		slog.String("file", up.Name),
		slog.String("class_id", pred.ClassID),
		slog.String("class_name", pred.ClassName))
	s.metrics.observeOutcome(outcomeOK)
	c.HTML(http.StatusOK, "index.html", page{Prediction: pred, ImagePath: imagePath})
}

func (s *Server) saveUpload(fh *multipart.FileHeader) (*storage.Upload, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return s.store.Save(fh.Filename, file)
}

func (s *Server) renderNoUpload(c *gin.Context) {
	s.metrics.observeOutcome(outcomeNoUpload)
	c.HTML(http.StatusOK, "index.html", page{Status: StatusNoUpload})
}

func (s *Server) renderError(c *gin.Context, err error, imagePath string) {
	kind := errorKind(err)
	slog.Error("Prediction failed", slog.String("kind", kind), slog.String("error", err.Error()))
	s.metrics.observeOutcome(kind)
	c.HTML(http.StatusOK, "index.html", page{Status: StatusError, ImagePath: imagePath})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, service.ErrDecode):
		return outcomeDecode
	case errors.Is(err, service.ErrInference):
		return outcomeInference
	case errors.Is(err, service.ErrUnknownClass):
		return outcomeUnknownClass
	default:
		return outcomeIO
	}
}

// PredictHandler is the JSON variant of SubmitHandler. The upload is
// classified in memory and not persisted.
func (s *Server) PredictHandler(c *gin.Context) {
	if err := s.authenticate(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		fileHeader, err = c.FormFile(FormField)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
		return
	}

	start := time.Now()
	resp, err := s.predictor.Predict(c.Request.Context(), data)
	s.metrics.observeLatency(time.Since(start))
	if err != nil {
		kind := errorKind(err)
		s.metrics.observeOutcome(kind)
		if kind == outcomeDecode {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot decode image"})
			return
		}
		slog.Error("Prediction failed", slog.String("kind", kind), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		return
	}

	s.metrics.observeOutcome(outcomeOK)
	c.JSON(http.StatusOK, resp)
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
