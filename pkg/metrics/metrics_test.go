package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManager(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		m := NewManager(WithRegistry(prometheus.NewRegistry()), WithNamespace("test"))

		Convey("When HTTP requests are recorded", func() {
			m.RecordHTTPRequest("analyze_image", "POST", "200", 30*time.Millisecond)
			m.RecordHTTPRequest("analyze_image", "POST", "200", 40*time.Millisecond)
			m.RecordHTTPRequest("analyze_image", "POST", "500", 10*time.Millisecond)

			Convey("Then counters are split by status", func() {
				So(testutil.ToFloat64(m.httpRequests.WithLabelValues("analyze_image", "POST", "200")), ShouldEqual, 2)
				So(testutil.ToFloat64(m.httpRequests.WithLabelValues("analyze_image", "POST", "500")), ShouldEqual, 1)
			})
		})

		Convey("When predictions and errors are recorded", func() {
			m.RecordInference("fire", 5*time.Millisecond)
			m.RecordInference("fire", 6*time.Millisecond)
			m.RecordInference("flood", 7*time.Millisecond)
			m.RecordInferenceError(StageDecode)

			Convey("Then they are counted per label and stage", func() {
				So(testutil.ToFloat64(m.predictions.WithLabelValues("fire")), ShouldEqual, 2)
				So(testutil.ToFloat64(m.predictions.WithLabelValues("flood")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.inferenceErrors.WithLabelValues(StageDecode)), ShouldEqual, 1)
			})
		})

		Convey("When uploads start and finish", func() {
			m.UploadStarted(1024)
			m.UploadStarted(-1)
			m.UploadFinished()

			Convey("Then the in-flight gauge tracks the difference", func() {
				So(testutil.ToFloat64(m.uploadsInFlight), ShouldEqual, 1)
			})
		})

		Convey("When the registry is scraped", func() {
			m.RecordInference("normal", time.Millisecond)
			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Convey("Then the exposition contains namespaced series", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, `test_classifier_predictions_total{label="normal"} 1`)
			})
		})
	})
}

func TestDefaultManager(t *testing.T) {
	Convey("Given the process-wide manager", t, func() {
		Convey("Then it exposes a registry with runtime collectors", func() {
			So(Default(), ShouldNotBeNil)
			families, err := Default().Registry().Gather()
			So(err, ShouldBeNil)
			So(len(families), ShouldBeGreaterThan, 0)
		})
	})
}

func TestManagerOptions(t *testing.T) {
	Convey("Given a manager with a custom subsystem and buckets", t, func() {
		m := NewManager(
			WithRegistry(prometheus.NewRegistry()),
			WithSubsystem("vision_model"),
			WithHistogramBuckets([]float64{0.5, 1}),
			WithSubsystem(""),
			WithHistogramBuckets(nil),
		)
		m.RecordInference("fire", 700*time.Millisecond)

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rec.Body.String()

		Convey("Then series use the subsystem and empty values keep earlier settings", func() {
			So(body, ShouldContainSubstring, `vision_vision_model_predictions_total{label="fire"} 1`)
			So(body, ShouldContainSubstring, `vision_vision_model_inference_duration_seconds_bucket{le="0.5"} 0`)
			So(body, ShouldContainSubstring, `vision_vision_model_inference_duration_seconds_bucket{le="1"} 1`)
		})
	})
}
