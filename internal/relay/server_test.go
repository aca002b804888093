package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

var _ = Describe("Server", func() {
	var (
		cfg         Config
		generator   *mockGenerator
		appender    *mockAppender
		sessions    *SessionStore
		server      *Server
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	postJSON := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Post(ghttpServer.URL()+path, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	get := func(path string) *http.Response {
		resp, err := client.Get(ghttpServer.URL() + path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	login := func() {
		resp := postJSON("/login", LoginRequest{ID: "family", Pass: "s3cret"})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	}

	BeforeEach(func() {
		cfg = testConfig()
		generator = newMockGenerator(fooMartJSON)
		appender = &mockAppender{}
		sessions = newTestSessions()
		client = browser()
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(cfg, sessions, generator, appender, http.NewServeMux())
		ghttpServer = serve(server.ServeHTTP)
	})

	Describe("gate", func() {
		When("there is no session", func() {
			It("should redirect the review screen to the login page", func() {
				resp := get("/")
				Expect(resp.StatusCode).To(Equal(http.StatusFound))
				Expect(resp.Header.Get("Location")).To(Equal("/login"))
			})

			It("should redirect API calls without calling the model", func() {
				resp := postJSON("/extract-image", receipt.ExtractRequest{
					Model: "gemini-2.5-flash",
					Image: receipt.Image{Data: "aGk=", MimeType: "image/jpeg"},
				})
				Expect(resp.StatusCode).To(Equal(http.StatusFound))
				Expect(generator.received()).To(BeEmpty())
			})

			It("should redirect unknown paths", func() {
				resp := get("/nope")
				Expect(resp.StatusCode).To(Equal(http.StatusFound))
			})

			It("should serve the login page", func() {
				resp := get("/login")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("login-form"))
			})

			It("should serve the stylesheet", func() {
				resp := get("/static/app.css")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/css"))
			})

			It("should not serve the script", func() {
				resp := get("/static/app.js")
				Expect(resp.StatusCode).To(Equal(http.StatusFound))
			})
		})

		When("the session cookie is forged", func() {
			It("should redirect to the login page", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				req.AddCookie(&http.Cookie{Name: "session", Value: "not-a-token"})
				resp, err := client.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusFound))
			})
		})

		When("logged in", func() {
			JustBeforeEach(login)

			It("should serve the review screen", func() {
				resp := get("/")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("Receipt Ledger"))
			})

			It("should serve the script", func() {
				resp := get("/static/app.js")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(HavePrefix("application/javascript"))
			})

			It("should check the model answer with the same row rules as the parser", func() {
				resp := get("/static/app.js")
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				script := string(body)
				Expect(script).To(ContainSubstring("state.config.kinds.includes(item.kind)"))
				Expect(script).To(ContainSubstring("item.category === 'other'"))
				Expect(script).To(ContainSubstring(`/^\d{4}-\d{2}-\d{2}$/`))
				Expect(script).To(ContainSubstring("if (modifierInOther({ kind: item.kind, category: category.value }))"))
				Expect(script).To(ContainSubstring("if (modifierInOther({ kind: kind.value, category: item.category }))"))
			})
		})
	})

	Describe("POST /login", func() {
		var (
			resp *http.Response
			body LoginResponse
			req  LoginRequest
		)

		JustBeforeEach(func() {
			resp = postJSON("/login", req)
			body = LoginResponse{}
			decode(resp, &body)
		})

		When("the credentials match", func() {
			BeforeEach(func() {
				req = LoginRequest{ID: "family", Pass: "s3cret"}
			})

			It("should report success", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body.OK).To(BeTrue())
			})

			It("should set the session cookie", func() {
				var session *http.Cookie
				for _, c := range resp.Cookies() {
					if c.Name == "session" {
						session = c
					}
				}
				Expect(session).NotTo(BeNil())
				Expect(session.HttpOnly).To(BeTrue())
				Expect(session.Path).To(Equal("/"))
				Expect(session.MaxAge).To(Equal(86400))
				Expect(session.SameSite).To(Equal(http.SameSiteLaxMode))
				Expect(session.Secure).To(BeFalse())
				Expect(sessions.Valid(session.Value)).To(Succeed())
			})
		})

		When("secure cookies are enabled", func() {
			BeforeEach(func() {
				cfg.CookieSecure = true
				req = LoginRequest{ID: "family", Pass: "s3cret"}
			})

			It("should mark the cookie Secure", func() {
				Expect(resp.Cookies()).To(ContainElement(HaveField("Secure", BeTrue())))
			})
		})

		When("the password is wrong", func() {
			BeforeEach(func() {
				req = LoginRequest{ID: "family", Pass: "nope"}
			})

			It("should reject with the generic message", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(body).To(Equal(LoginResponse{OK: false, Message: "Invalid credentials"}))
				Expect(resp.Cookies()).To(BeEmpty())
			})
		})

		When("the id is wrong", func() {
			BeforeEach(func() {
				req = LoginRequest{ID: "someone", Pass: "s3cret"}
			})

			It("should reject with the same message", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(body.Message).To(Equal("Invalid credentials"))
			})
		})

		When("the fields are empty", func() {
			BeforeEach(func() {
				cfg.LoginID, cfg.LoginPass = "", ""
				req = LoginRequest{}
			})

			It("should reject even an empty configured credential", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})
	})

	Describe("POST /logout", func() {
		It("should end the session", func() {
			login()
			Expect(get("/").StatusCode).To(Equal(http.StatusOK))

			resp := postJSON("/logout", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Expect(get("/").StatusCode).To(Equal(http.StatusFound))
		})
	})

	Describe("GET /api/config", func() {
		It("should describe the screen options", func() {
			login()
			resp := get("/api/config")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body ConfigResponse
			decode(resp, &body)
			Expect(body.Payers).To(Equal([]string{"Alice", "Bob"}))
			Expect(body.Models).To(Equal(receipt.DefaultModels))
			Expect(body.DefaultModel).To(Equal("gemini-2.5-flash"))
			Expect(body.Currency).To(Equal("JPY"))
			Expect(body.Categories).To(HaveLen(5))
			Expect(body.SchemaVersion).To(Equal("v2"))
			Expect(body.Prompt).To(ContainSubstring("JPY"))
		})
	})

	Describe("POST /extract-image", func() {
		var (
			req     receipt.ExtractRequest
			resp    *http.Response
			body    ExtractResponse
			archive *mockArchive
		)

		BeforeEach(func() {
			archive = &mockArchive{}
			cfg.Archive = archive
			req = receipt.ExtractRequest{
				Prompt: "read this receipt",
				Model:  "gemini-2.5-pro",
				Image:  receipt.Image{Data: base64.StdEncoding.EncodeToString([]byte("jpeg bytes")), MimeType: "image/jpeg"},
			}
		})

		JustBeforeEach(func() {
			login()
			resp = postJSON("/extract-image", req)
			body = ExtractResponse{}
			decode(resp, &body)
		})

		When("the model answers", func() {
			It("should relay the raw text as message", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body.Message).To(Equal(fooMartJSON))
				Expect(body.Error).To(BeEmpty())
			})

			It("should forward the decoded image, prompt and model", func() {
				Expect(generator.received()).To(HaveLen(1))
				sent := generator.received()[0]
				Expect(sent.Model).To(Equal("gemini-2.5-pro"))
				Expect(sent.Prompt).To(Equal("read this receipt"))
				Expect(sent.Image).To(Equal([]byte("jpeg bytes")))
				Expect(sent.MimeType).To(Equal("image/jpeg"))
			})

			It("should archive the image", func() {
				Eventually(archive.saved).Should(ConsistOf(MatchRegexp(`^\d{4}/\d{2}/\d{2}/.+\.jpg$`)))
			})
		})

		When("archiving fails", func() {
			BeforeEach(func() {
				archive.err = errors.New("disk full")
			})

			It("should still answer", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body.Message).To(Equal(fooMartJSON))
			})
		})

		When("the prompt is empty", func() {
			BeforeEach(func() {
				req.Prompt = ""
			})

			It("should use the configured prompt", func() {
				prompt, err := receipt.DefaultProfile().Prompt()
				Expect(err).NotTo(HaveOccurred())
				Expect(generator.received()[0].Prompt).To(Equal(prompt))
			})
		})

		When("the model is empty", func() {
			BeforeEach(func() {
				req.Model = ""
			})

			It("should use the default model", func() {
				Expect(generator.received()[0].Model).To(Equal("gemini-2.5-flash"))
			})
		})

		When("the model is not enabled", func() {
			BeforeEach(func() {
				req.Model = "gpt-4o"
			})

			It("should reject without calling the model", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body.Error).To(ContainSubstring("unsupported model"))
				Expect(generator.received()).To(BeEmpty())
			})
		})

		When("no image is attached", func() {
			BeforeEach(func() {
				req.Image = receipt.Image{}
			})

			It("should reject without calling the model", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body.Error).To(Equal(receipt.ErrNoImage.Error()))
				Expect(generator.received()).To(BeEmpty())
			})
		})

		When("the image is not base64", func() {
			BeforeEach(func() {
				req.Image.Data = "%%%"
			})

			It("should reject", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the image is a PNG that needs no conversion", func() {
			BeforeEach(func() {
				req.Image = receipt.Image{Data: base64.StdEncoding.EncodeToString(pngBytes(4, 4)), MimeType: "image/png"}
			})

			It("should forward it untouched", func() {
				Expect(generator.received()[0].MimeType).To(Equal("image/png"))
			})
		})

		When("the model fails", func() {
			BeforeEach(func() {
				generator.err = errors.New("quota exceeded")
			})

			It("should answer 500 with the error", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(body.Error).To(ContainSubstring("quota exceeded"))
				Expect(body.Message).To(BeEmpty())
			})

			It("should not archive", func() {
				Consistently(archive.saved).Should(BeEmpty())
			})
		})
	})

	Describe("POST /extract-image with a malformed body", func() {
		It("should reject", func() {
			login()
			resp, err := client.Post(ghttpServer.URL()+"/extract-image", "application/json", strings.NewReader("{"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /save-receipt", func() {
		var (
			rows []receipt.PersistedRow
			resp *http.Response
			body SaveResponse
		)

		BeforeEach(func() {
			rows = []receipt.PersistedRow{
				{Category: receipt.CategoryFood, Name: "Milk", Amount: receipt.NewAmount(200), Store: "Foo Mart", Date: "2025-01-31", Payer: "Alice"},
				{Category: receipt.CategoryFood, Name: "Discount", Amount: receipt.NewAmount(-50), Store: "Foo Mart", Date: "2025-01-31", Payer: "Alice"},
			}
		})

		JustBeforeEach(func() {
			login()
			resp = postJSON("/save-receipt", rows)
			body = SaveResponse{}
			decode(resp, &body)
		})

		When("the rows are appended", func() {
			It("should report success", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body.OK).To(BeTrue())
			})

			It("should append the rows in order", func() {
				batches := appender.received()
				Expect(batches).To(HaveLen(1))
				Expect(batches[0]).To(HaveLen(2))
				Expect(batches[0][0].Name).To(Equal("Milk"))
				Expect(batches[0][1].Amount.Equals(receipt.NewAmount(-50))).To(BeTrue())
				Expect(batches[0][1].Payer).To(Equal("Alice"))
			})
		})

		When("the spreadsheet fails", func() {
			BeforeEach(func() {
				appender.err = errors.New("permission denied")
			})

			It("should report failure without detail", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(body).To(Equal(SaveResponse{OK: false}))
			})
		})

		When("a row has an unknown category", func() {
			BeforeEach(func() {
				rows[1].Category = "snacks"
			})

			It("should reject without appending", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body.OK).To(BeFalse())
				Expect(appender.received()).To(BeEmpty())
			})
		})

		When("the payer is not configured", func() {
			BeforeEach(func() {
				rows[0].Payer = "Mallory"
			})

			It("should reject without appending", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(appender.received()).To(BeEmpty())
			})
		})

		When("no payers are configured", func() {
			BeforeEach(func() {
				cfg.Payers = nil
				rows[0].Payer = "Anyone"
			})

			It("should accept any payer", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})

		When("there are no rows", func() {
			BeforeEach(func() {
				rows = []receipt.PersistedRow{}
			})

			It("should reject", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("POST /prepare-image", func() {
		upload := func(field, filename, contentType string, data []byte) *http.Response {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			if field != "" {
				h := make(map[string][]string)
				h["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
				if contentType != "" {
					h["Content-Type"] = []string{contentType}
				}
				part, err := w.CreatePart(h)
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write(data)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(w.Close()).To(Succeed())

			resp, err := client.Post(ghttpServer.URL()+"/prepare-image", w.FormDataContentType(), &buf)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			return resp
		}

		JustBeforeEach(login)

		It("should bound the width and re-encode as JPEG", func() {
			resp := upload("file", "receipt.png", "image/png", pngBytes(2048, 1536))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body PrepareResponse
			decode(resp, &body)
			Expect(body.MimeType).To(Equal("image/jpeg"))
			Expect(body.Width).To(Equal(1024))
			Expect(body.Height).To(Equal(768))
			data, err := base64.StdEncoding.DecodeString(body.Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(data[:2]).To(Equal([]byte{0xFF, 0xD8}))
		})

		It("should guess the type from the file name", func() {
			resp := upload("file", "receipt.png", "", pngBytes(10, 10))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject a file that is not an image", func() {
			resp := upload("file", "notes.txt", "text/plain", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a form without a file", func() {
			resp := upload("", "", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})
