package relay

import (
	"context"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"
)

var _ = Describe("SessionStore", func() {
	var (
		path     string
		sessions *SessionStore
		now      time.Time
	)

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "sessions.db")
		var err error
		sessions, err = NewSessionStore(path, []byte("test-secret"), time.Hour)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { sessions.Close() })

		now = time.Now()
		sessions.now = func() time.Time { return now }

		// token claims are checked against the same clock
		jwt.TimeFunc = func() time.Time { return now }
		DeferCleanup(func() { jwt.TimeFunc = time.Now })
	})

	Describe("Create", func() {
		It("should issue a valid token", func() {
			token, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions.Valid(token)).To(Succeed())
		})

		It("should issue distinct tokens", func() {
			a, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())
			b, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())
			Expect(a).NotTo(Equal(b))
		})
	})

	Describe("Valid", func() {
		It("should reject garbage", func() {
			Expect(sessions.Valid("garbage")).To(MatchError(ErrSessionNotFound))
		})

		It("should reject a token signed with another secret", func() {
			other, err := NewSessionStore(filepath.Join(GinkgoT().TempDir(), "other.db"), []byte("other-secret"), time.Hour)
			Expect(err).NotTo(HaveOccurred())
			defer other.Close()
			token, err := other.Create()
			Expect(err).NotTo(HaveOccurred())

			Expect(sessions.Valid(token)).To(MatchError(ErrSessionNotFound))
		})

		It("should reject an expired session", func() {
			token, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(2 * time.Hour)
			Expect(sessions.Valid(token)).To(MatchError(ErrSessionNotFound))
		})

		It("should survive a restart", func() {
			token, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())
			Expect(sessions.Close()).To(Succeed())

			reopened, err := NewSessionStore(path, []byte("test-secret"), time.Hour)
			Expect(err).NotTo(HaveOccurred())
			sessions = reopened
			Expect(sessions.Valid(token)).To(Succeed())
		})
	})

	Describe("Revoke", func() {
		It("should end the session", func() {
			token, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())

			Expect(sessions.Revoke(token)).To(Succeed())
			Expect(sessions.Valid(token)).To(MatchError(ErrSessionNotFound))
		})

		It("should ignore unknown tokens", func() {
			Expect(sessions.Revoke("garbage")).To(Succeed())
		})
	})

	Describe("Prune", func() {
		It("should delete only expired sessions", func() {
			old, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(30 * time.Minute)
			fresh, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(45 * time.Minute)
			removed, err := sessions.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))
			Expect(sessions.Valid(old)).To(MatchError(ErrSessionNotFound))
			Expect(sessions.Valid(fresh)).To(Succeed())
		})
	})

	Describe("PruneEvery", func() {
		It("should prune right away and stop when the context is done", func() {
			expired, err := sessions.Create()
			Expect(err).NotTo(HaveOccurred())
			now = now.Add(2 * time.Hour)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				sessions.PruneEvery(ctx, time.Hour)
			}()

			Eventually(func() error {
				return sessions.db.View(func(tx *bbolt.Tx) error {
					if tx.Bucket([]byte(sessionsBucket)).Stats().KeyN != 0 {
						return ErrSessionNotFound
					}
					return nil
				})
			}).Should(Succeed())

			cancel()
			Eventually(done).Should(BeClosed())
			Expect(sessions.Valid(expired)).NotTo(Succeed())
		})

		It("should return promptly when the context is already done", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				sessions.PruneEvery(ctx, time.Millisecond)
			}()
			Eventually(done).Should(BeClosed())
			Expect(sessions.Close()).To(Succeed())
		})
	})

	It("should require a secret", func() {
		_, err := NewSessionStore(filepath.Join(GinkgoT().TempDir(), "x.db"), nil, time.Hour)
		Expect(err).To(HaveOccurred())
	})
})
