package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecore/internal/adapters/directory"
	"github.com/dkeye/voicecore/internal/adapters/signal"
	"github.com/dkeye/voicecore/internal/app/orch"
	"github.com/dkeye/voicecore/internal/config"
	"github.com/dkeye/voicecore/internal/domain"
)

const (
	sessionName = "VoiceSessions"
	memberKey   = "member"
)

// IdentityResolver turns a client token into a trusted user.
type IdentityResolver interface {
	VerifyIdentity(ctx context.Context, token string) (directory.Identity, error)
}

type Deps struct {
	Orch     *orch.Orchestrator
	Signal   *signal.SignalWSController
	Identity IdentityResolver
	// Workers reports the number of running media workers.
	Workers func() int
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(domain.HTTPStatus(err), gin.H{
		"error":   domain.Code(err),
		"message": err.Error(),
	})
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return c.Query("token")
}

// AuthMiddleware resolves the caller once per session and caches the
// verified identity in the session cookie.
func AuthMiddleware(identity IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		if uid, ok := sess.Get("uid").(int64); ok && uid != 0 {
			name, _ := sess.Get("username").(string)
			avatar, _ := sess.Get("avatar").(string)
			if m, err := memberOf(directory.Identity{UserID: domain.UserID(uid), Username: name, Avatar: avatar}); err == nil {
				c.Set(memberKey, m)
				c.Next()
				return
			}
		}

		id, err := identity.VerifyIdentity(c.Request.Context(), bearerToken(c))
		if err != nil {
			if !errors.Is(err, domain.ErrUnauthorized) {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("identity check failed")
			}
			writeError(c, err)
			return
		}
		m, err := memberOf(id)
		if err != nil {
			writeError(c, err)
			return
		}
		sess.Set("uid", int64(id.UserID))
		sess.Set("username", id.Username)
		sess.Set("avatar", id.Avatar)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}
		c.Set(memberKey, m)
		c.Next()
	}
}

func memberOf(id directory.Identity) (domain.Member, error) {
	u, err := domain.NewUser(id.UserID, id.Username)
	if err != nil {
		return domain.Member{}, errors.Join(domain.ErrUnauthorized, err)
	}
	m, err := domain.NewMember(*u, id.Avatar)
	if err != nil {
		return domain.Member{}, errors.Join(domain.ErrUnauthorized, err)
	}
	return m, nil
}

func currentMember(c *gin.Context) domain.Member {
	m, _ := c.Get(memberKey)
	member, _ := m.(domain.Member)
	return member
}

type moderationRequest struct {
	Channel     domain.ChannelID `json:"channel" binding:"required"`
	Target      domain.UserID    `json:"target" binding:"required"`
	Destination domain.ChannelID `json:"destination"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))

	r.GET("/healthz", func(c *gin.Context) {
		workers := 0
		if deps.Workers != nil {
			workers = deps.Workers()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"workers": workers,
			"rooms":   len(deps.Orch.Rooms.Rooms()),
		})
	})

	api := r.Group("/api", AuthMiddleware(deps.Identity))

	api.GET("/ws/signal", func(c *gin.Context) {
		m := currentMember(c)
		log.Info().Str("module", "adapters.http").Str("user", m.User.ID.String()).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c, m)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": deps.Orch.Rooms.Rooms()})
	})

	api.GET("/rooms/:channel", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("channel"), 10, 64)
		if err != nil {
			writeError(c, errors.Join(domain.ErrBadRequest, err))
			return
		}
		ch := domain.ChannelID(id)
		participants, err := deps.Orch.Rooms.ListParticipants(domain.RoomNameFor(ch))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"channel": ch, "participants": participants})
	})

	api.POST("/moderation/:action", func(c *gin.Context) {
		action, err := orch.ParseAction(c.Param("action"))
		if err != nil {
			writeError(c, err)
			return
		}
		var req moderationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, errors.Join(domain.ErrBadRequest, err))
			return
		}
		if action == orch.ActionMove && req.Destination == 0 {
			writeError(c, errors.Join(domain.ErrBadRequest, errors.New("move needs a destination")))
			return
		}
		out, err := deps.Orch.Moderate(c.Request.Context(), orch.Command{
			Actor:       currentMember(c).User.ID,
			Action:      action,
			Channel:     req.Channel,
			Target:      req.Target,
			Destination: req.Destination,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
