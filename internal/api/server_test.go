package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/talgya/shellcloud/internal/layout"
	"github.com/talgya/shellcloud/internal/metrics"
	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/persistence"
	"github.com/talgya/shellcloud/internal/session"
	"github.com/talgya/shellcloud/internal/solver/solvertest"
)

const adminKey = "secret"

type fixture struct {
	fake   *solvertest.Fake
	sess   *session.Session
	db     *persistence.DB
	srv    *Server
	server *httptest.Server
}

func newFixture(limiter *RateLimiter) *fixture {
	f := &fixture{fake: solvertest.New(200)}

	opts := session.DefaultOptions()
	opts.Layers = 10
	opts.Grid = layout.Grid{Polar: 2, Azimuth: 3}

	stream := NewBroadcaster()
	sess, err := session.New(f.fake, stream, opts)
	Expect(err).NotTo(HaveOccurred())
	stream.Source = sess.Snapshot
	f.sess = sess

	f.db, err = persistence.Open(filepath.Join(GinkgoT().TempDir(), "api.db"))
	Expect(err).NotTo(HaveOccurred())

	m := metrics.New()
	// Hooks run on handler goroutines, so they must not call Expect.
	sess.OnCommit = func(r session.Result) {
		m.ObserveCommit(r)
		_ = f.db.RecordEdit(sess.ID, r)
	}
	sess.OnReject = func(r session.Result) {
		m.ObserveReject(r)
		_ = f.db.RecordEdit(sess.ID, r)
	}
	sess.OnFailure = func(r session.Result, _ error) { m.ObserveFailure(r) }

	_, err = sess.Apply(context.Background(), params.Default())
	Expect(err).NotTo(HaveOccurred())

	f.srv = &Server{
		Session:      sess,
		DB:           f.db,
		Metrics:      m,
		Stream:       stream,
		Limiter:      limiter,
		AdminKey:     adminKey,
		HistoryLimit: 20,
		Heartbeat:    50 * time.Millisecond,
	}
	f.server = httptest.NewServer(f.srv.Handler())

	DeferCleanup(func() {
		f.server.Close()
		f.db.Close()
		if limiter != nil {
			limiter.Stop()
		}
	})
	return f
}

func (f *fixture) get(path string) *http.Response {
	resp, err := http.Get(f.server.URL + path)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func (f *fixture) post(field string, value float64, token string) *http.Response {
	body, _ := json.Marshal(editRequest{Field: field, Value: value})
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/params", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func decode[T any](resp *http.Response) T {
	defer resp.Body.Close()
	var v T
	Expect(json.NewDecoder(resp.Body).Decode(&v)).To(Succeed())
	return v
}

var _ = Describe("Server", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture(nil)
	})

	Describe("GET /api/v1/status", func() {
		It("reports the session", func() {
			resp := f.get("/api/v1/status")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			status := decode[map[string]any](resp)

			Expect(status["session_id"]).To(Equal(f.sess.ID))
			Expect(status["solver"]).To(Equal("fake"))
			Expect(status["state"]).To(Equal("idle"))
			Expect(status["points"]).To(BeNumerically("==", 60))
			Expect(status["version"]).To(BeNumerically("==", 1))
			Expect(status["params"]).To(HaveKeyWithValue("n", BeNumerically("==", 1)))
		})
	})

	Describe("GET /api/v1/params", func() {
		It("returns params and limits", func() {
			body := decode[map[string]map[string]any](f.get("/api/v1/params"))
			Expect(body["params"]).To(HaveKeyWithValue("zeta", BeNumerically("==", 1)))
			Expect(body["limits"]).To(HaveKeyWithValue("n_max", BeNumerically("==", 5)))
		})
	})

	Describe("POST /api/v1/params", func() {
		It("requires the admin token", func() {
			resp := f.post("n", 2, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			resp = f.post("n", 2, "wrong")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(f.sess.Params()).To(Equal(params.Default()))
		})

		It("is disabled without an admin key", func() {
			f.srv.AdminKey = ""
			resp := f.post("n", 2, adminKey)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("commits a valid edit", func() {
			resp := f.post("n", 2, adminKey)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			res := decode[session.Result](resp)

			Expect(res.Accepted).To(BeTrue())
			Expect(res.Params).To(Equal(params.Params{Zeta: 1, N: 2, L: 0}))
			Expect(res.Points).To(Equal(60))
			Expect(f.sess.Cloud().Version).To(Equal(uint64(2)))
		})

		It("rejects n <= l with 422 and keeps the cloud", func() {
			before := f.sess.Cloud()

			resp := f.post("l", 1, adminKey)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			res := decode[session.Result](resp)

			Expect(res.Accepted).To(BeFalse())
			Expect(res.Reason).To(ContainSubstring("principal index must exceed angular index"))
			Expect(f.sess.Cloud()).To(BeIdenticalTo(before))
		})

		It("rejects out-of-range values with 422", func() {
			resp := f.post("zeta", 42, adminKey)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("answers 400 for unknown fields and bad JSON", func() {
			resp := f.post("m", 1, adminKey)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/params", strings.NewReader("{"))
			req.Header.Set("Authorization", "Bearer "+adminKey)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("answers 502 when the solver fails", func() {
			f.fake.Corrupt = true
			resp := f.post("n", 3, adminKey)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			res := decode[session.Result](resp)
			Expect(res.Accepted).To(BeFalse())
			Expect(f.sess.Params()).To(Equal(params.Default()))
		})
	})

	Describe("geometry endpoints", func() {
		It("serves shells and the solution", func() {
			set := decode[map[string]any](f.get("/api/v1/shells"))
			Expect(set["shells"]).To(HaveLen(10))
			Expect(set["stride"]).To(BeNumerically("==", 20))

			sol := decode[map[string]any](f.get("/api/v1/solution"))
			Expect(sol["radii"]).To(HaveLen(200))
			Expect(sol["eigenvalue"]).To(BeNumerically("~", -0.5))
		})

		It("serves the cloud as JSON", func() {
			pc := decode[map[string]any](f.get("/api/v1/cloud"))
			Expect(pc["positions"]).To(HaveLen(180))
			Expect(pc["point_size"]).To(BeNumerically("~", 0.05, 1e-6))
		})

		It("serves the cloud as little-endian float32", func() {
			resp := f.get("/api/v1/cloud?format=bin")
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/octet-stream"))
			Expect(resp.Header.Get("X-Cloud-Points")).To(Equal("60"))

			raw, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(raw).To(HaveLen(180 * 4))

			want := f.sess.Cloud().Positions
			for i := range want {
				got := math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
				Expect(got).To(Equal(want[i]))
			}
		})
	})

	Describe("GET /api/v1/history", func() {
		It("lists edits newest first", func() {
			f.post("n", 3, adminKey).Body.Close()
			f.post("l", 3, adminKey).Body.Close()

			edits := decode[[]persistence.Edit](f.get("/api/v1/history?limit=2"))
			Expect(edits).To(HaveLen(2))
			Expect(edits[0].Field).To(Equal("l"))
			Expect(edits[0].Accepted).To(BeFalse())
			Expect(edits[1].Field).To(Equal("n"))
			Expect(edits[1].Accepted).To(BeTrue())
		})

		It("is unavailable without a database", func() {
			f.srv.DB = nil
			resp := f.get("/api/v1/history")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes recompute counters", func() {
			f.post("l", 1, adminKey).Body.Close()

			resp := f.get("/metrics")
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring(`shellcloud_recomputes_total{outcome="committed"} 1`))
			Expect(string(body)).To(ContainSubstring(`shellcloud_recomputes_total{outcome="rejected"} 1`))
		})
	})

	Describe("GET /api/v1/stream", func() {
		It("sends hello, then a redraw per commit", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/v1/stream", nil)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			events := bufio.NewReader(resp.Body)
			next := func() (string, redrawPayload) {
				var name string
				for {
					line, err := events.ReadString('\n')
					Expect(err).NotTo(HaveOccurred())
					line = strings.TrimSpace(line)
					switch {
					case strings.HasPrefix(line, "event: "):
						name = strings.TrimPrefix(line, "event: ")
					case strings.HasPrefix(line, "data: "):
						var p redrawPayload
						Expect(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p)).To(Succeed())
						return name, p
					}
				}
			}

			name, hello := next()
			Expect(name).To(Equal("hello"))
			Expect(hello.Version).To(Equal(uint64(1)))

			Eventually(f.srv.Stream.Count).Should(Equal(1))
			f.post("n", 4, adminKey).Body.Close()

			name, redraw := next()
			Expect(name).To(Equal("redraw"))
			Expect(redraw.Params.N).To(Equal(4))
			Expect(redraw.Version).To(Equal(uint64(2)))
		})

		It("limits concurrent subscribers", func() {
			f.srv.MaxStreamClients = 1
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/v1/stream", nil)
			first, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer first.Body.Close()

			second := f.get("/api/v1/stream")
			second.Body.Close()
			Expect(second.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})
})

var _ = Describe("Rate limiting", func() {
	It("answers 429 once the bucket is empty", func() {
		f := newFixture(NewRateLimiter(2, time.Minute))

		for i := 0; i < 2; i++ {
			resp := f.post("zeta", 1.5+float64(i), adminKey)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		}
		resp := f.post("zeta", 3, adminKey)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(resp.Header.Get("Retry-After")).NotTo(BeEmpty())

		// Reads are not limited.
		get := f.get("/api/v1/params")
		get.Body.Close()
		Expect(get.StatusCode).To(Equal(http.StatusOK))
	})
})

var _ = Describe("RateLimiter", func() {
	It("tracks clients separately and refills over the window", func() {
		rl := NewRateLimiter(1, 50*time.Millisecond)
		defer rl.Stop()

		Expect(rl.Allow("a")).To(BeTrue())
		Expect(rl.Allow("a")).To(BeFalse())
		Expect(rl.Allow("b")).To(BeTrue())
		Expect(rl.RetryAfter("a")).To(BeNumerically(">=", 1))
		Expect(rl.RetryAfter("unknown")).To(Equal(0))

		Eventually(func() bool { return rl.Allow("a") }).WithTimeout(time.Second).Should(BeTrue())
	})

	It("reads the client address", func() {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.7:5123"
		Expect(clientIP(r)).To(Equal("10.0.0.7"))

		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		Expect(clientIP(r)).To(Equal("203.0.113.9"))
	})
})

var _ = Describe("Broadcaster", func() {
	It("fans out and drops for lagging subscribers", func() {
		b := NewBroadcaster()
		id, ch := b.Subscribe()
		Expect(b.Count()).To(Equal(1))

		for i := 0; i < 20; i++ {
			b.RequestRedraw()
		}
		Expect(b.Seq()).To(Equal(uint64(20)))
		Expect(ch).To(HaveLen(16))
		Expect((<-ch).Seq).To(Equal(uint64(1)))

		b.Unsubscribe(id)
		Expect(b.Count()).To(Equal(0))
		remaining := 0
		for range ch {
			remaining++
		}
		Expect(remaining).To(Equal(15))
	})

	It("carries the committed state each event was raised for", func() {
		f := newFixture(nil)
		_, ch := f.srv.Stream.Subscribe()

		for _, n := range []float64{2, 3, 4} {
			_, err := f.sess.ProposeChange(context.Background(), params.FieldN, n)
			Expect(err).NotTo(HaveOccurred())
		}

		// Read only after every commit has landed.
		for i, n := range []int{2, 3, 4} {
			e := <-ch
			Expect(e.Params.N).To(Equal(n))
			Expect(e.Version).To(Equal(uint64(i + 2)))
			Expect(e.Points).To(Equal(f.sess.Cloud().Points()))

			p := payloadFor(e)
			Expect(p.Params.N).To(Equal(n))
			Expect(p.Version).To(Equal(e.Version))
		}
		Expect(f.sess.Snapshot().Params.N).To(Equal(4))
	})
})
