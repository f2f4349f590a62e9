package receipt

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		catalog     *mockCatalog
		store       Catalog
		verifier    Verifier
		recognizer  *mockRecognizer
		completer   *mockCompleter
		opts        Options
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		catalog = newMockCatalog()
		store = nil
		verifier = &mockVerifier{tokens: map[string]string{"good-token": "user-1"}}
		recognizer = &mockRecognizer{text: receiptText}
		completer = &mockCompleter{content: completeReply}
		opts = Options{HeuristicFill: true, RetryPause: time.Millisecond}
	})

	JustBeforeEach(func() {
		var backing Catalog = catalog
		if store != nil {
			backing = store
		}
		service := NewServiceWithDeps(backing, verifier, recognizer, scanning.NewExtractor(completer), opts,
			&mockIDGenerator{id: "req-1"},
			&mockTimeSource{now: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AllowUnhandledRequests = true
		ghttpServer.UnhandledRequestStatusCode = http.StatusTeapot
		ghttpServer.RouteToHandler(http.MethodPost, "/functions/v1/ocr-receipt", server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPost, "/api/ocr-receipt", server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodGet, "/api/fuel-types", server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPost, "/api/fuel-types", server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPatch, regexp.MustCompile(`^/api/fuel-types/[^/]+$`), server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodOptions, "/functions/v1/ocr-receipt", server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	post := func(path string, token string, body string) (*http.Response, map[string]any) {
		GinkgoHelper()
		req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+path, strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		var decoded map[string]any
		Expect(json.Unmarshal(raw, &decoded)).To(Succeed())
		return resp, decoded
	}

	requestBody := func(image string) string {
		data, _ := json.Marshal(ExtractRequest{ImageBase64: image})
		return string(data)
	}

	Describe("POST /functions/v1/ocr-receipt", func() {
		When("the request succeeds", func() {
			It("returns the extraction envelope", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(body["success"]).To(BeTrue())
				Expect(body["available_fuel_types"]).To(Equal([]any{"Diesel", "Benzina"}))

				data, ok := body["data"].(map[string]any)
				Expect(ok).To(BeTrue())
				Expect(data).To(HaveKeyWithValue("targa", "AB123CD"))
				Expect(data).To(HaveKeyWithValue("tipo_carburante", "Diesel"))
				Expect(data).To(HaveKeyWithValue("quantita", 45.5))
				Expect(data).To(HaveKeyWithValue("chilometraggio", 125000.0))
				Expect(data).To(HaveKeyWithValue("confidence_score", 100.0))
				Expect(data).To(HaveKeyWithValue("raw_text", receiptText))
				Expect(data).NotTo(HaveKey("validation_warnings"))
			})

			It("sets the CORS headers", func() {
				resp, _ := post("/functions/v1/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
				Expect(resp.Header.Get("Access-Control-Allow-Headers")).To(Equal("authorization, x-client-info, apikey, content-type"))
			})
		})

		When("the validation finds problems", func() {
			BeforeEach(func() {
				completer.content = `{"targa": "ABC123", "importo_totale": 50.0, "tipo_carburante": "Kerosene"}`
				opts.HeuristicFill = false
			})

			It("includes the warnings and keeps unmatched fuel types", func() {
				resp, body := post("/api/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				data := body["data"].(map[string]any)
				Expect(data["validation_warnings"]).To(HaveLen(2))
				Expect(data).To(HaveKeyWithValue("tipo_carburante", "Kerosene"))
				Expect(data).To(HaveKeyWithValue("punto_vendita", BeNil()))
			})
		})

		When("the recognized text is empty", func() {
			BeforeEach(func() {
				recognizer.text = ""
			})

			It("returns null fields without a confidence score", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				data := body["data"].(map[string]any)
				Expect(data).To(HaveKeyWithValue("targa", BeNil()))
				Expect(data).To(HaveKeyWithValue("raw_text", EmptyTextPlaceholder))
				Expect(data).NotTo(HaveKey("confidence_score"))
			})
		})

		When("the token is missing", func() {
			It("returns 401", func() {
				resp, body := post("/functions/v1/ocr-receipt", "", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(body).To(HaveKeyWithValue("error", "missing authorization header"))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			})
		})

		When("the image is missing", func() {
			It("returns 400", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", `{}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body).To(HaveKeyWithValue("error", "missing image_base64"))
			})
		})

		When("the body is not JSON", func() {
			It("returns 400", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", `not json`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body).To(HaveKey("error"))
			})
		})

		When("the body exceeds the limit", func() {
			BeforeEach(func() {
				opts.MaxImageBytes = 10
			})

			It("returns 400 without calling upstream", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", requestBody(string(bytes.Repeat([]byte("A"), 70<<10))))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body).To(HaveKeyWithValue("error", "image too large"))
				Expect(recognizer.calls).To(Equal(0))
			})
		})

		When("the model is rate limited", func() {
			BeforeEach(func() {
				completer.err = &scanning.UpstreamError{Service: "gemini", StatusCode: http.StatusTooManyRequests}
			})

			It("returns 429", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
				Expect(body["error"]).To(ContainSubstring("rate limit"))
			})
		})

		When("recognition is forbidden", func() {
			BeforeEach(func() {
				recognizer.errs = []error{&scanning.UpstreamError{Service: "document ai", StatusCode: http.StatusForbidden, Message: "denied"}}
			})

			It("returns 403", func() {
				resp, _ := post("/functions/v1/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			})
		})

		When("the catalog fails", func() {
			BeforeEach(func() {
				catalog.listErr = io.ErrUnexpectedEOF
			})

			It("returns 500 with the message", func() {
				resp, body := post("/functions/v1/ocr-receipt", "good-token", requestBody(imageBase64))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(body["error"]).To(ContainSubstring("unexpected EOF"))
			})
		})
	})

	Describe("OPTIONS preflight", func() {
		It("returns 204 without authentication", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/functions/v1/ocr-receipt", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
		})
	})

	Describe("GET /api/fuel-types", func() {
		get := func(token string) (*http.Response, map[string]any) {
			GinkgoHelper()
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/fuel-types", nil)
			Expect(err).NotTo(HaveOccurred())
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var decoded map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
			return resp, decoded
		}

		It("returns the active names sorted", func() {
			resp, body := get("good-token")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["fuel_types"]).To(Equal([]any{"Benzina", "Diesel"}))
		})

		It("requires a valid token", func() {
			resp, body := get("bad-token")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(body).To(HaveKeyWithValue("error", "invalid or expired token"))
		})

		When("authentication is disabled", func() {
			BeforeEach(func() {
				verifier = nil
			})

			It("serves anonymous callers", func() {
				resp, _ := get("")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("fuel-type management", func() {
		var db *BoltDB

		send := func(method, path, token, body string) (*http.Response, map[string]any) {
			GinkgoHelper()
			req, err := http.NewRequest(method, ghttpServer.URL()+path, strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var decoded map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
			return resp, decoded
		}

		BeforeEach(func() {
			var err error
			db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "catalog.db"))
			Expect(err).NotTo(HaveOccurred())
			store = db
		})

		AfterEach(func() {
			db.Close()
		})

		Describe("POST /api/fuel-types", func() {
			It("creates an active entry", func() {
				resp, body := send(http.MethodPost, "/api/fuel-types", "good-token", `{"nome": " HVO ", "descrizione": "Diesel rinnovabile"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(body).To(HaveKeyWithValue("id", "hvo"))
				Expect(body).To(HaveKeyWithValue("nome", "HVO"))
				Expect(body).To(HaveKeyWithValue("attivo", true))

				saved, err := db.GetFuelType("hvo")
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.Description).To(Equal("Diesel rinnovabile"))
			})

			It("honours an explicit inactive flag", func() {
				resp, body := send(http.MethodPost, "/api/fuel-types", "good-token", `{"nome": "Idrogeno", "attivo": false}`)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(body).To(HaveKeyWithValue("attivo", false))

				_, list := send(http.MethodGet, "/api/fuel-types", "good-token", "")
				Expect(list["fuel_types"]).NotTo(ContainElement("Idrogeno"))
			})

			It("rejects a missing name", func() {
				resp, body := send(http.MethodPost, "/api/fuel-types", "good-token", `{"descrizione": "x"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body).To(HaveKeyWithValue("error", "fuel type name is required"))
			})

			It("rejects a body that is not JSON", func() {
				resp, body := send(http.MethodPost, "/api/fuel-types", "good-token", "nome=HVO")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body).To(HaveKeyWithValue("error", "invalid JSON body"))
			})

			It("requires a valid token", func() {
				resp, _ := send(http.MethodPost, "/api/fuel-types", "bad-token", `{"nome": "HVO"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				_, err := db.GetFuelType("hvo")
				Expect(err).To(MatchError(ErrFuelTypeNotFound))
			})
		})

		Describe("PATCH /api/fuel-types/{id}", func() {
			It("disables an entry and drops it from the active list", func() {
				resp, body := send(http.MethodPatch, "/api/fuel-types/gpl", "good-token", `{"attivo": false}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body).To(HaveKeyWithValue("id", "gpl"))
				Expect(body).To(HaveKeyWithValue("nome", "GPL"))
				Expect(body).To(HaveKeyWithValue("attivo", false))

				_, list := send(http.MethodGet, "/api/fuel-types", "good-token", "")
				Expect(list["fuel_types"]).NotTo(ContainElement("GPL"))
				Expect(list["fuel_types"]).To(ContainElement("Diesel"))
			})

			It("returns 404 for an unknown id", func() {
				resp, body := send(http.MethodPatch, "/api/fuel-types/kerosene", "good-token", `{"attivo": true}`)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(body).To(HaveKeyWithValue("error", "fuel type not found"))
			})

			It("requires the attivo flag", func() {
				resp, body := send(http.MethodPatch, "/api/fuel-types/gpl", "good-token", `{}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body).To(HaveKeyWithValue("error", "attivo is required"))
			})
		})

		When("the catalog is read-only", func() {
			BeforeEach(func() {
				store = nil
			})

			It("returns 403", func() {
				resp, body := send(http.MethodPatch, "/api/fuel-types/1", "good-token", `{"attivo": false}`)
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				Expect(body).To(HaveKeyWithValue("error", "fuel-type catalog is read-only"))
			})
		})
	})
})
