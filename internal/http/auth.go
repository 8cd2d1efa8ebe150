package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/driver-availability/internal/models"
)

const actorKey contextKey = "actor"

// actorMiddleware resolves the caller identity supplied by the identity
// provider. With a JWT secret configured it requires a bearer token carrying
// sub, actor_type, role, and region_id claims; without one (local runs) it
// falls back to X-Actor-* headers.
func (s *Server) actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var actor models.Actor
		if len(s.jwtSecret) > 0 {
			a, err := s.actorFromToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			actor = a
		} else {
			actor = models.Actor{
				ID:        r.Header.Get("X-Actor-ID"),
				ActorType: r.Header.Get("X-Actor-Type"),
				Role:      models.Role(r.Header.Get("X-Actor-Role")),
				RegionID:  r.Header.Get("X-Region-ID"),
			}
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) actorFromToken(r *http.Request) (models.Actor, error) {
	authh := r.Header.Get("Authorization")
	parts := strings.Fields(authh)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return models.Actor{}, errors.New("missing bearer token")
	}
	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return models.Actor{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return models.Actor{}, errors.New("invalid token")
	}
	actor := models.Actor{
		ID:        stringClaim(claims, "sub"),
		ActorType: stringClaim(claims, "actor_type"),
		Role:      models.Role(stringClaim(claims, "role")),
		RegionID:  stringClaim(claims, "region_id"),
	}
	if actor.ID == "" || actor.Role == "" {
		return models.Actor{}, errors.New("token missing actor claims")
	}
	return actor, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func actorFromContext(ctx context.Context) models.Actor {
	if a, ok := ctx.Value(actorKey).(models.Actor); ok {
		return a
	}
	return models.Actor{}
}
