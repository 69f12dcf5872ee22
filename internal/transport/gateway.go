package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nacospoll/internal/bot"

	"github.com/gin-gonic/gin"
)

// Gateway 是到聊天网关的瘦 HTTP 适配层。
//
// 入站: 网关把消息 POST 到 /webhook；出站: 这里把回复 POST 回
// 网关的 /send。真实聊天网络的协议细节都留在网关侧。
type Gateway struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

func NewGateway(baseURL, token string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
	}
}

type outbound struct {
	ChatID   string     `json:"chat_id"`
	Text     string     `json:"text,omitempty"`
	Menu     [][]button `json:"menu,omitempty"`
	PhotoRef string     `json:"photo_ref,omitempty"`
	Caption  string     `json:"caption,omitempty"`
}

type button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

func (g *Gateway) SendMessage(ctx context.Context, chatID, text string) error {
	return g.post(ctx, outbound{ChatID: chatID, Text: text})
}

func (g *Gateway) SendMenu(ctx context.Context, chatID, text string, menu [][]bot.Button) error {
	out := outbound{ChatID: chatID, Text: text}
	for _, row := range menu {
		var r []button
		for _, b := range row {
			r = append(r, button{Label: b.Label, Action: b.Action})
		}
		out.Menu = append(out.Menu, r)
	}
	return g.post(ctx, out)
}

func (g *Gateway) SendPhoto(ctx context.Context, chatID, photoRef, caption string) error {
	return g.post(ctx, outbound{ChatID: chatID, PhotoRef: photoRef, Caption: caption})
}

func (g *Gateway) post(ctx context.Context, out outbound) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver outbound: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway replied %d", resp.StatusCode)
	}
	return nil
}

// Handler 消费归一化后的入站事件，生产实现是对话引擎。
type Handler interface {
	HandleEvent(ctx context.Context, ev bot.Event) error
}

type inbound struct {
	UserID   string `json:"user_id" binding:"required"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
	Action   string `json:"action"`
	PhotoRef string `json:"photo_ref"`
}

// Webhook 返回入站 webhook 的 gin 处理器。
//
// 事件归类: 有 action 是按钮回调，有 photo_ref 是图片，以 / 开头
// 的文本是命令，其余按普通消息走。处理失败回 200，错误只记日志，
// 网关不需要也不应该重放业务失败。
func Webhook(handler Handler, token string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("Authorization") != "Bearer "+token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad webhook token"})
			return
		}

		var in inbound
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ev := bot.Event{
			UserID:   in.UserID,
			ChatID:   in.ChatID,
			Text:     in.Text,
			Action:   in.Action,
			PhotoRef: in.PhotoRef,
		}
		if ev.ChatID == "" {
			ev.ChatID = ev.UserID
		}
		switch {
		case in.Action != "":
			ev.Kind = bot.KindAction
		case in.PhotoRef != "":
			ev.Kind = bot.KindPhoto
		case strings.HasPrefix(in.Text, "/"):
			ev.Kind = bot.KindCommand
		default:
			ev.Kind = bot.KindMessage
		}

		if err := handler.HandleEvent(c.Request.Context(), ev); err != nil {
			logger.Error("handle event failed",
				slog.String("user_id", ev.UserID),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()))
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
