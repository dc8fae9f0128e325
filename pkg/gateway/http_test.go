package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/errs"
	"github.com/kumonrecept/turnpipe/pkg/gateway"
)

func TestGateway(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Gateway Suite")
}

func jsonHandler(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

var _ = Describe("HTTPGateway", func() {
	var log *zap.Logger

	BeforeEach(func() {
		log = zap.NewNop()
	})

	It("returns the provider message id on success", func() {
		srv := httptest.NewServer(jsonHandler(http.StatusOK, map[string]any{
			"messages": []map[string]string{{"id": "wamid.123"}},
		}))
		defer srv.Close()

		gw := gateway.NewHTTPGateway(srv.URL, "token", gateway.Options{}, log)
		result, err := gw.Send(context.Background(), gateway.OutboundPayload{To: "5511999999999", Text: "hi"})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.ProviderMessageID).To(Equal("wamid.123"))
	})

	It("classifies a 5xx response as gateway-transient", func() {
		srv := httptest.NewServer(jsonHandler(http.StatusServiceUnavailable, map[string]any{}))
		defer srv.Close()

		gw := gateway.NewHTTPGateway(srv.URL, "token", gateway.Options{}, log)
		_, err := gw.Send(context.Background(), gateway.OutboundPayload{To: "5511999999999", Text: "hi"})

		Expect(errs.Is(err, errs.KindGatewayTransient)).To(BeTrue())
	})

	It("classifies a 4xx response as gateway-permanent", func() {
		srv := httptest.NewServer(jsonHandler(http.StatusBadRequest, map[string]any{
			"error": map[string]string{"message": "invalid recipient"},
		}))
		defer srv.Close()

		gw := gateway.NewHTTPGateway(srv.URL, "token", gateway.Options{}, log)
		_, err := gw.Send(context.Background(), gateway.OutboundPayload{To: "bad", Text: "hi"})

		Expect(errs.Is(err, errs.KindGatewayPermanent)).To(BeTrue())
	})

	It("trips the breaker after consecutive failures and fails further sends as transient", func() {
		srv := httptest.NewServer(jsonHandler(http.StatusServiceUnavailable, map[string]any{}))
		defer srv.Close()

		gw := gateway.NewHTTPGateway(srv.URL, "token", gateway.Options{MaxFail: 2, Cooldown: time.Hour}, log)

		_, _ = gw.Send(context.Background(), gateway.OutboundPayload{To: "x", Text: "hi"})
		_, _ = gw.Send(context.Background(), gateway.OutboundPayload{To: "x", Text: "hi"})

		_, err := gw.Send(context.Background(), gateway.OutboundPayload{To: "x", Text: "hi"})
		Expect(errs.Is(err, errs.KindGatewayTransient)).To(BeTrue())
	})
})
