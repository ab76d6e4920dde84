package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mohamedrebhi/videmaison/internal/auth"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/Mohamedrebhi/videmaison/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc    *service.UserService
	requestSvc *service.RequestService
	chatSvc    *service.ChatService
}

func NewHandler(userSvc *service.UserService, requestSvc *service.RequestService, chatSvc *service.ChatService) *Handler {
	return &Handler{userSvc: userSvc, requestSvc: requestSvc, chatSvc: chatSvc}
}

// fail 把业务错误映射为 HTTP 状态码，未知错误记录日志后返回 500。
func fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "User already exists"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
	case errors.Is(err, service.ErrInvalidRefreshToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
	case errors.Is(err, service.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message content is required"})
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPeerNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrRequestNotFound),
		errors.Is(err, service.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
	}
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, ok := service.ParseID(c.Param(name))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
	}
	return id, ok
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

// Register 处理客户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}
	user, err := h.userSvc.Register(req)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusCreated, protocol.RegisterResponse{Message: "User registered successfully", User: user})
}

// Login 处理登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req protocol.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}
	result, err := h.userSvc.Login(req.Email, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, result)
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshToken 优先取 Bearer 头，兼容放在请求体里的旧写法。
func refreshToken(c *gin.Context) string {
	if t := auth.BearerToken(c); t != "" {
		return t
	}
	var body refreshBody
	_ = c.ShouldBindJSON(&body)
	return body.RefreshToken
}

// Refresh 用 refresh token 换取新的 access token。
func (h *Handler) Refresh(c *gin.Context) {
	result, err := h.userSvc.Refresh(refreshToken(c))
	if err != nil {
		if !errors.Is(err, service.ErrInvalidRefreshToken) {
			log.Warn().Err(err).Msg("refresh token")
		}
		fail(c, err, "refresh")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Logout 撤销 refresh token。
func (h *Handler) Logout(c *gin.Context) {
	if err := h.userSvc.Logout(refreshToken(c)); err != nil {
		fail(c, err, "logout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *Handler) Profile(c *gin.Context) {
	user, ok := auth.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, service.ToUser(user))
}

// CreateServiceRequest 处理官网联系表单，登录用户的请求会记录所有者。
func (h *Handler) CreateServiceRequest(c *gin.Context) {
	var in protocol.ServiceRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req, err := h.requestSvc.Create(in, auth.GetUserID(c))
	if err != nil {
		fail(c, err, "create service request")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Service request submitted", "id": req.ID})
}

func (h *Handler) ListRequests(c *gin.Context) {
	list, err := h.requestSvc.List(c.Query("status"), queryInt(c, "limit"))
	if err != nil {
		fail(c, err, "list service requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": list})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.requestSvc.UnreadCount()
	if err != nil {
		fail(c, err, "unread count")
		return
	}
	c.JSON(http.StatusOK, protocol.UnreadCount{UnreadCount: n})
}

func (h *Handler) MarkRequestRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.requestSvc.MarkRead(id); err != nil {
		fail(c, err, "mark request read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Request marked as read"})
}

func (h *Handler) UpdateRequestStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var in protocol.StatusUpdateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req, err := h.requestSvc.UpdateStatus(id, in)
	if err != nil {
		fail(c, err, "update request status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Status updated", "request": req})
}

func (h *Handler) Conversations(c *gin.Context) {
	convs, err := h.chatSvc.Conversations(auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, convs)
}

// Messages 返回与 peerId 的全部历史消息；带 limit 时按 before_id 分页。
func (h *Handler) Messages(c *gin.Context) {
	peerID, ok := pathID(c, "peerId")
	if !ok {
		return
	}
	var beforeID uint
	if bid, ok := service.ParseID(c.Query("before_id")); ok {
		beforeID = bid
	}
	msgs, err := h.chatSvc.History(auth.GetUserID(c), peerID, queryInt(c, "limit"), beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) SendMessage(c *gin.Context) {
	peerID, ok := pathID(c, "peerId")
	if !ok {
		return
	}
	var req protocol.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message content is required"})
		return
	}
	user, _ := auth.GetUser(c)
	msg, err := h.chatSvc.Send(user, peerID, req)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkMessageRead 的路径参数与消息列表共用 peerId 这个名字，这里它是消息 ID。
func (h *Handler) MarkMessageRead(c *gin.Context) {
	id, ok := pathID(c, "peerId")
	if !ok {
		return
	}
	if err := h.chatSvc.MarkRead(auth.GetUserID(c), id); err != nil {
		fail(c, err, "mark message read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message marked as read"})
}
