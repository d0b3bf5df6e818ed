/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/model"
)

const (
	KeyHeader      = "X-Errand-Key"
	actorKey       = "actor"
	tokenQueryName = "access_token"
)

var errMissingSubject = errors.New("token has no subject")

// Claims is the session token issued by the account service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware turns a bearer token into the model.Actor every engine call expects.
type AuthMiddleware struct {
	conf *config.Configuration
}

func NewAuthMiddleware(conf *config.Configuration) *AuthMiddleware {
	return &AuthMiddleware{conf: conf}
}

// Authenticate accepts either the master key in X-Errand-Key, a bearer token in
// the Authorization header, or the access_token query parameter used by the
// WebSocket handshake. The master key authenticates as the operator with
// super_admin rights.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(KeyHeader); key != "" {
			if m.conf.Server.SecretKey == "" || !secureCompare(m.conf.Server.SecretKey, key) {
				abortUnauthorized(c, "Invalid secret key")
				return
			}
			operator := m.conf.Escrow.OperatorUserID
			if operator == "" {
				operator = model.SystemActorID
			}
			c.Set(actorKey, model.Actor{ID: operator, Role: model.RoleSuperAdmin, IP: c.ClientIP()})
			c.Next()
			return
		}

		raw := extractToken(c)
		if raw == "" {
			abortUnauthorized(c, "Authentication required. Use a bearer token")
			return
		}

		actor, err := m.parse(raw)
		if err != nil {
			abortUnauthorized(c, "Invalid token")
			return
		}
		actor.IP = c.ClientIP()
		c.Set(actorKey, actor)
		c.Next()
	}
}

func (m *AuthMiddleware) parse(raw string) (model.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(m.conf.Server.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return model.Actor{}, err
	}
	if claims.Subject == "" {
		return model.Actor{}, errMissingSubject
	}

	role := claims.Role
	switch role {
	case model.RoleAgent, model.RoleAdmin, model.RoleSuperAdmin:
	default:
		// Tokens never carry the system role; timers act as system on their own.
		role = model.RoleUser
	}
	return model.Actor{ID: claims.Subject, Role: role}, nil
}

// RequireRole lets the request through only when the actor holds one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			abortUnauthorized(c, "Authentication required")
			return
		}
		for _, role := range roles {
			if actor.Role == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient role " + actor.Role})
	}
}

// ActorFrom returns the actor set by Authenticate.
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query(tokenQueryName)
}
