package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mailmirror/mailmirror/internal/ai"
	"github.com/mailmirror/mailmirror/internal/auth"
	"github.com/mailmirror/mailmirror/internal/config"
	"github.com/mailmirror/mailmirror/internal/events"
	"github.com/mailmirror/mailmirror/internal/logging"
	"github.com/mailmirror/mailmirror/internal/mail"
	"github.com/mailmirror/mailmirror/internal/provider"
	"github.com/mailmirror/mailmirror/internal/provider/gmail"
	"github.com/mailmirror/mailmirror/internal/provider/outlook"
	"github.com/mailmirror/mailmirror/internal/send"
	"github.com/mailmirror/mailmirror/internal/store"
	mailsync "github.com/mailmirror/mailmirror/internal/sync"
	"github.com/mailmirror/mailmirror/internal/token"
)

type signupRequest struct {
	Email    string `json:"email" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required"`
}

type signinRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type sendRequest struct {
	To      string `json:"to" binding:"required"`
	Subject string `json:"subject" binding:"required"`
	Body    string `json:"body" binding:"required"`
}

type classifyRequest struct {
	Text string `json:"text" binding:"required"`
}

type replyRequest struct {
	Text string `json:"text" binding:"required"`
	Tone string `json:"tone"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range []string{cfg.AuthDBPath, cfg.StoreDBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			logger.Fatal("failed to create data directory", zap.Error(err))
		}
	}

	authDB, err := auth.Open(cfg.AuthDBPath)
	if err != nil {
		logger.Fatal("failed to open auth database", zap.Error(err))
	}
	defer authDB.Close()

	authService := auth.NewService(authDB)
	sessions := auth.NewSessions([]byte(cfg.JWTSecret), 24*time.Hour)

	st, err := store.Open(cfg.StoreDBPath)
	if err != nil {
		logger.Fatal("failed to open mirror store", zap.Error(err))
	}
	defer st.Close()

	googleAuth, err := auth.NewGoogleAuthenticator(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	if err != nil {
		logger.Fatal("failed to initialize google authenticator", zap.Error(err))
	}

	tokens := token.NewManager(st, googleAuth.OAuthConfig(), logger)

	var providerName provider.Name
	var mailboxes mailsync.MailboxFactory
	switch cfg.Provider {
	case "microsoft":
		providerName = provider.Microsoft
		mailboxes = func(ctx context.Context, principalID string) (provider.Mailbox, error) {
			return outlook.New(tokens, principalID)
		}
	default:
		providerName = provider.Google
		mailboxes = func(ctx context.Context, principalID string) (provider.Mailbox, error) {
			return gmail.New(ctx, tokens.Source(ctx, principalID))
		}
	}

	engine := mailsync.NewEngine(tokens, mailboxes, st, providerName, cfg.SyncPageSize, logger)
	syncManager := mailsync.NewManager(engine, cfg.SyncInterval, cfg.SyncMaxMessages, logger)
	sender := send.NewSender(tokens, mailboxes, st, providerName, logger)

	if cfg.EventsEnabled() {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			logger.Fatal("failed to ensure event stream", zap.Error(err))
		}
		dispatcher := mailsync.NewDispatcher(st, pub, logger)
		go dispatcher.Run(ctx)
		logger.Info("event dispatch enabled", zap.String("url", cfg.NATSURL))
	}

	// No model backend is wired in yet; the AI routes answer 503
	// until one is.
	var classifier ai.Classifier

	states := newStateStore(10 * time.Minute)

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/auth/signup", func(c *gin.Context) {
		var req signupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		principal, err := authService.CreatePrincipal(c.Request.Context(), req.Email, req.Name, req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		session, err := sessions.Issue(principal.ID, principal.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": session, "principal": principal})
	})

	r.POST("/api/auth/signin", func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		principal, err := authService.Authenticate(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		session, err := sessions.Issue(principal.ID, principal.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": session, "principal": principal})
	})

	r.GET("/api/auth/google/login", func(c *gin.Context) {
		state := states.issue()
		c.Redirect(http.StatusFound, googleAuth.AuthURL(state))
	})

	r.GET("/api/auth/google/callback", func(c *gin.Context) {
		if !states.consume(c.Query("state")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid state"})
			return
		}
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
			return
		}

		tok, ident, err := googleAuth.Exchange(c.Request.Context(), code)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		principal, err := authService.UpsertFromIdentity(c.Request.Context(), ident.Email, ident.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Persist the grant unconditionally so a re-consent always
		// replaces whatever tokens were stored before.
		cred := &mail.Credential{
			PrincipalID:  principal.ID,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
			Status:       mail.StatusActive,
		}
		if err := st.SaveCredential(c.Request.Context(), cred); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		session, err := sessions.Issue(principal.ID, principal.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": session, "principal": principal})
	})

	authorized := r.Group("/api")
	authorized.Use(sessionMiddleware(sessions))

	authorized.GET("/auth/token", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		_, err := tokens.GetValidToken(c.Request.Context(), principalID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		case errors.Is(err, mail.ErrNeedsReauth):
			c.JSON(http.StatusUnauthorized, gin.H{"status": "needs_reauth"})
		case mail.IsRetryable(err):
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "retry", "error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	authorized.POST("/emails/sync", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		report, err := engine.SyncPrincipal(c.Request.Context(), principalID, cfg.SyncMaxMessages)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	authorized.GET("/emails", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}

		messages, err := st.ListMessages(c.Request.Context(), principalID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	})

	authorized.PATCH("/emails/:id/flags", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
			return
		}

		var flags mail.Flags
		if err := c.ShouldBindJSON(&flags); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := st.UpdateFlags(c.Request.Context(), principalID, id, flags); err != nil {
			if errors.Is(err, mail.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": true})
	})

	authorized.POST("/emails/send", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		principalID := c.GetString("principal_id")
		msg, err := sender.Send(c.Request.Context(), principalID, req.To, req.Subject, req.Body)
		if err != nil {
			switch {
			case errors.Is(err, mail.ErrNeedsReauth):
				c.JSON(http.StatusUnauthorized, gin.H{"error": "credential needs re-authorization"})
			case mail.IsRetryable(err):
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusCreated, msg)
	})

	authorized.POST("/sync/start", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		// Runners live as long as the server, not the request.
		if err := syncManager.StartSync(ctx, principalID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"running": true})
	})

	authorized.POST("/sync/stop", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		if err := syncManager.StopSync(principalID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"running": false})
	})

	authorized.GET("/sync/status", func(c *gin.Context) {
		principalID := c.GetString("principal_id")
		c.JSON(http.StatusOK, gin.H{"running": syncManager.IsRunning(principalID)})
	})

	authorized.POST("/ai/classify", func(c *gin.Context) {
		if classifier == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no classifier configured"})
			return
		}
		var req classifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := classifier.Classify(c.Request.Context(), req.Text)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authorized.POST("/ai/reply", func(c *gin.Context) {
		if classifier == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no classifier configured"})
			return
		}
		var req replyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Tone == "" {
			req.Tone = "neutral"
		}
		reply, err := classifier.Reply(c.Request.Context(), req.Text, req.Tone)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reply": reply})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("provider", string(providerName)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	syncManager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func sessionMiddleware(sessions *auth.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		principalID, email, err := sessions.Verify(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("principal_id", principalID)
		c.Set("email", email)
		c.Next()
	}
}

// stateStore tracks outstanding OAuth state nonces so the callback can
// reject requests that did not start at the login endpoint.
type stateStore struct {
	mu  stdsync.Mutex
	m   map[string]time.Time
	ttl time.Duration
}

func newStateStore(ttl time.Duration) *stateStore {
	return &stateStore{m: make(map[string]time.Time), ttl: ttl}
}

func (s *stateStore) issue() string {
	state := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.m {
		if time.Now().After(exp) {
			delete(s.m, k)
		}
	}
	s.m[state] = time.Now().Add(s.ttl)
	return state
}

func (s *stateStore) consume(state string) bool {
	if state == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.m[state]
	if !ok {
		return false
	}
	delete(s.m, state)
	return time.Now().Before(exp)
}
