package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PPRoom/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// UserIDClaim 连接鉴权必须携带的 claim
const UserIDClaim = "userId"

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
}

type JWTClaims struct {
	jwtlib.MapClaims
}

// UserID 取 userId claim（必须是非空字符串）
func (c *JWTClaims) UserID() (string, bool) {
	v, ok := c.MapClaims[UserIDClaim].(string)
	return v, ok && v != ""
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Generate 签发令牌（运维/测试用），同时写入 sub 与 userId
func Generate(opts Options, userID string, scopes []string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub":       userID,
		UserIDClaim: userID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       exp.Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse 校验签名与有效期（带 exp 时），只接受 HMAC 家族
func Parse(opts Options, token string) (*JWTClaims, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, errs.ErrAuth.WrapMsg(err.Error())
	}
	if strings.TrimSpace(token) == "" {
		return nil, errs.ErrAuth.WrapMsg("empty token")
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, errs.ErrAuth.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrAuth.WrapMsg("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrAuth.WrapMsg("claims type mismatch")
	}
	return &JWTClaims{claims}, nil
}

// Verifier 连接准入用的令牌校验器
type Verifier struct {
	opts Options
}

func NewVerifier(opts Options) *Verifier {
	return &Verifier{opts: opts}
}

// Verify 返回令牌中的用户 ID；任何失败都是 ErrAuth，不会 panic
func (v *Verifier) Verify(ctx context.Context, token string) (userID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			userID, err = "", errs.ErrAuth.WrapMsg("verify panic", "recover", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", errs.ErrAuth.WrapMsg("verify canceled", "err", err)
	}
	claims, err := Parse(v.opts, token)
	if err != nil {
		return "", err
	}
	uid, ok := claims.UserID()
	if !ok {
		return "", errs.ErrAuth.WrapMsg("missing claim", "claim", UserIDClaim)
	}
	return uid, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
