package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/budget-bear/internal/capture"
	"github.com/zombor/budget-bear/internal/scanning"
)

// fakeFlow is a scripted capture flow
type fakeFlow struct {
	snapshot  capture.Snapshot
	devices   []capture.Device
	err       error
	confirmed []scanning.LineItem
	confirmID string
	sink      capture.Sink
	calls     []string
}

func (f *fakeFlow) Snapshot() capture.Snapshot {
	return f.snapshot
}

func (f *fakeFlow) Devices(ctx context.Context) ([]capture.Device, error) {
	f.calls = append(f.calls, "devices")
	return f.devices, f.err
}

func (f *fakeFlow) op(name string) (capture.Snapshot, error) {
	f.calls = append(f.calls, name)
	return f.snapshot, f.err
}

func (f *fakeFlow) Start(ctx context.Context) (capture.Snapshot, error)   { return f.op("start") }
func (f *fakeFlow) Flip(ctx context.Context) (capture.Snapshot, error)    { return f.op("flip") }
func (f *fakeFlow) Capture(ctx context.Context) (capture.Snapshot, error) { return f.op("capture") }
func (f *fakeFlow) Retake(ctx context.Context) (capture.Snapshot, error)  { return f.op("retake") }

func (f *fakeFlow) Confirm(ctx context.Context, items []scanning.LineItem) (string, error) {
	f.calls = append(f.calls, "confirm")
	f.confirmed = items
	if f.err != nil {
		return "", f.err
	}
	if f.sink != nil {
		c := testConfirmation()
		if items != nil {
			c.Items = items
		}
		return f.sink.SaveCapture(ctx, c)
	}
	return f.confirmID, nil
}

func (f *fakeFlow) Close() error {
	f.calls = append(f.calls, "close")
	return f.err
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		service     *Service
		flow        *fakeFlow
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, flow, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	do := func(method, path string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		service = NewServiceWithDeps(db, storage, &sequenceIDGenerator{}, &fixedTimeSource{})
		flow = &fakeFlow{snapshot: capture.Snapshot{State: capture.StateStreaming, Devices: []capture.Device{}}}
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "bear", Password: "honey"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp := do("GET", "/api/capture", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/capture", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("bear:honey")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/capture", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("bear", "salmon")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should answer preflight requests without credentials", func() {
			resp := do("OPTIONS", "/api/capture", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("capture flow", func() {
		It("should return the current state", func() {
			resp := do("GET", "/api/capture", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var body map[string]any
			decode(resp, &body)
			Expect(body).To(HaveKeyWithValue("state", "streaming"))
			Expect(body).To(HaveKeyWithValue("parse_empty", false))
		})

		DescribeTable("should dispatch operations",
			func(method, path, call string) {
				resp := do(method, path, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(flow.calls).To(Equal([]string{call}))
			},
			Entry("start", "POST", "/api/capture/start", "start"),
			Entry("flip", "POST", "/api/capture/flip", "flip"),
			Entry("capture", "POST", "/api/capture", "capture"),
			Entry("retake", "POST", "/api/capture/retake", "retake"),
			Entry("devices", "GET", "/api/devices", "devices"),
		)

		It("should report an empty parse", func() {
			flow.snapshot = capture.Snapshot{
				State:  capture.StateParsed,
				Result: &scanning.ParseResult{Items: []scanning.LineItem{}},
			}
			resp := do("POST", "/api/capture", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]any
			decode(resp, &body)
			Expect(body).To(HaveKeyWithValue("state", "parsed"))
			Expect(body).To(HaveKeyWithValue("parse_empty", true))
		})

		It("should close the stream", func() {
			resp := do("DELETE", "/api/capture", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(flow.calls).To(Equal([]string{"close"}))
		})

		DescribeTable("should map errors to status codes",
			func(err error, status int) {
				flow.err = err
				resp := do("POST", "/api/capture/start", nil)
				Expect(resp.StatusCode).To(Equal(status))

				var body map[string]any
				decode(resp, &body)
				Expect(body).To(HaveKey("error"))
				Expect(body).To(HaveKey("capture"))
			},
			Entry("permission denied", capture.ErrPermissionDenied, http.StatusForbidden),
			Entry("device unavailable", capture.ErrNoDevices, http.StatusConflict),
			Entry("not ready", capture.ErrNotReady, http.StatusServiceUnavailable),
			Entry("recognition failed", capture.ErrRecognitionFailed, http.StatusBadGateway),
			Entry("invalid transition", capture.ErrInvalidTransition, http.StatusConflict),
			Entry("in flight", capture.ErrRecognitionInFlight, http.StatusConflict),
			Entry("abandoned", capture.ErrCaptureAbandoned, http.StatusConflict),
		)

		It("should ask clients to retry when no frame is ready", func() {
			flow.err = capture.ErrNotReady
			resp := do("POST", "/api/capture", nil)
			Expect(resp.Header.Get("Retry-After")).To(Equal("1"))
		})

		Describe("still image", func() {
			It("should return 404 before a capture", func() {
				resp := do("GET", "/api/capture/still", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})

			It("should return the captured image", func() {
				flow.snapshot.Still = &scanning.StillImage{Data: []byte("png"), ContentType: "image/png"}
				resp := do("GET", "/api/capture/still", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(body).To(Equal([]byte("png")))
			})
		})

		Describe("confirm", func() {
			BeforeEach(func() {
				flow.sink = service
			})

			It("should save the parsed items and return the receipt", func() {
				resp := do("POST", "/api/capture/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(flow.confirmed).To(BeNil())

				var receipt Receipt
				decode(resp, &receipt)
				Expect(receipt.ID).To(Equal("id-1"))
				Expect(receipt.PurchaseIDs).To(HaveLen(2))
			})

			It("should save edited items", func() {
				body := bytes.NewBufferString(`{"items":[{"name":"Cheese","price_text":"5.25"}]}`)
				resp := do("POST", "/api/capture/confirm", body)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(flow.confirmed).To(Equal([]scanning.LineItem{{Name: "Cheese", PriceText: "5.25"}}))
				Expect(db.purchases["id-2"].TotalCost).To(Equal(525))
			})

			It("should reject items without a valid price", func() {
				body := bytes.NewBufferString(`{"items":[{"name":"Cheese","price_text":"lots"}]}`)
				resp := do("POST", "/api/capture/confirm", body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(db.receipts).To(BeEmpty())
			})

			It("should reject a malformed body", func() {
				resp := do("POST", "/api/capture/confirm", bytes.NewBufferString(`{"items":`))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(flow.calls).To(BeEmpty())
			})

			It("should return 409 outside the parsed state", func() {
				flow.sink = nil
				flow.err = capture.ErrInvalidTransition
				resp := do("POST", "/api/capture/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})
	})

	Describe("receipts", func() {
		BeforeEach(func() {
			_, err := service.SaveCapture(context.Background(), testConfirmation())
			Expect(err).NotTo(HaveOccurred())
		})

		It("should list receipts", func() {
			resp := do("GET", "/api/receipts", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipts []*Receipt
			decode(resp, &receipts)
			Expect(receipts).To(HaveLen(1))
		})

		It("should get a receipt", func() {
			resp := do("GET", "/api/receipts/id-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipt Receipt
			decode(resp, &receipt)
			Expect(receipt.RawText).To(Equal("Milk 3.49\nBread 2.00"))
		})

		It("should return 404 for a missing receipt", func() {
			resp := do("GET", "/api/receipts/missing", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should serve the receipt image", func() {
			resp := do("GET", "/api/receipts/id-1/file", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
		})

		It("should delete a receipt", func() {
			resp := do("DELETE", "/api/receipts/id-1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.receipts).To(BeEmpty())
		})

		It("should return an empty array when there are no receipts", func() {
			Expect(service.DeleteReceipt("id-1")).To(Succeed())
			resp := do("GET", "/api/receipts", nil)
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(MatchJSON(`[]`))
		})
	})

	Describe("purchases", func() {
		BeforeEach(func() {
			_, err := service.SaveCapture(context.Background(), testConfirmation())
			Expect(err).NotTo(HaveOccurred())
			db.purchases["other"] = &Purchase{ID: "other", ReceiptID: "elsewhere"}
		})

		It("should list all purchases", func() {
			resp := do("GET", "/api/purchases", nil)
			var purchases []*Purchase
			decode(resp, &purchases)
			Expect(purchases).To(HaveLen(3))
		})

		It("should filter purchases by receipt", func() {
			resp := do("GET", "/api/purchases?receipt_id=id-1", nil)
			var purchases []*Purchase
			decode(resp, &purchases)
			Expect(purchases).To(HaveLen(2))
		})

		It("should get a purchase", func() {
			resp := do("GET", "/api/purchases/id-2", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var purchase Purchase
			decode(resp, &purchase)
			Expect(purchase.ItemName).To(Equal("Milk"))
			Expect(purchase.TotalCost).To(Equal(349))
		})

		It("should delete a purchase", func() {
			resp := do("DELETE", "/api/purchases/id-2", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.purchases).NotTo(HaveKey("id-2"))
		})

		It("should return 404 when deleting a missing purchase", func() {
			resp := do("DELETE", "/api/purchases/missing", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
