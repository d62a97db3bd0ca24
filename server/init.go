package server

import (
	"context"
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/imgclassify/service"
	"github.com/krau/imgclassify/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	// FormField is the multipart field the upload form posts.
	FormField = "my_image"
	// StaticPrefix is the URL prefix uploaded files are served under.
	StaticPrefix = "static"

	StatusNoUpload = "no image uploaded"
	StatusError    = "error in prediction"
)

type Predictor interface {
	Predict(ctx context.Context, data []byte) (*service.Prediction, error)
}

type Options struct {
	// Token protects the JSON API when set.
	Token string
	// MaxUploadBytes caps request bodies on upload routes.
	MaxUploadBytes int64
	// Tracker, when set, is reported in metrics.
	Tracker *storage.Tracker
}

type Server struct {
	predictor Predictor
	store     *storage.Store
	opts      Options
	metrics   *metrics
	registry  *prometheus.Registry
	tmpl      *template.Template
}

func New(predictor Predictor, store *storage.Store, opts Options) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	reg := prometheus.NewRegistry()
	return &Server{
		predictor: predictor,
		store:     store,
		opts:      opts,
		metrics:   newMetrics(reg, opts.Tracker),
		registry:  reg,
		tmpl:      tmpl,
	}, nil
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), s.metrics.middleware())
	r.SetHTMLTemplate(s.tmpl)
	r.MaxMultipartMemory = s.opts.MaxUploadBytes

	r.Static("/"+StaticPrefix, s.store.Dir())

	r.GET("/", s.IndexHandler)
	r.POST("/", s.IndexHandler)
	r.GET("/submit", s.IndexHandler)
	r.POST("/submit", s.limitBody, s.SubmitHandler)

	r.POST("/predict", s.limitBody, s.PredictHandler)
	r.GET("/health", HealthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return r
}

func (s *Server) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	c.Next()
}
