package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/models"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"

	"gorm.io/gorm"
)

// RequestService 封装上门服务请求的业务逻辑，并在状态变化时推送实时事件。
type RequestService struct {
	db       *gorm.DB
	notifier Notifier
}

func NewRequestService(db *gorm.DB, notifier Notifier) *RequestService {
	return &RequestService{db: db, notifier: notifier}
}

// RequestDTO 是管理端列表输出的服务请求。
type RequestDTO struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	ServiceType string    `json:"service_type"`
	Message     string    `json:"message,omitempty"`
	Language    string    `json:"language,omitempty"`
	Status      string    `json:"status"`
	AdminNotes  string    `json:"admin_notes,omitempty"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRequestDTO(r models.ServiceRequest) RequestDTO {
	dto := RequestDTO{
		ID:          idString(r.ID),
		Name:        r.Name,
		Email:       r.Email,
		Phone:       r.Phone,
		Address:     r.Address,
		ServiceType: r.ServiceType,
		Message:     r.Message,
		Language:    r.Language,
		Status:      r.Status,
		AdminNotes:  r.AdminNotes,
		IsRead:      r.IsRead,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.UserID != nil {
		dto.UserID = idString(*r.UserID)
	}
	return dto
}

// ValidateRequestInput 检查联系表单的必填字段。
func ValidateRequestInput(in protocol.ServiceRequestInput) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	case strings.TrimSpace(in.Email) == "" && strings.TrimSpace(in.Phone) == "":
		return fmt.Errorf("%w: email or phone is required", ErrInvalidInput)
	case strings.TrimSpace(in.ServiceType) == "":
		return fmt.Errorf("%w: service_type is required", ErrInvalidInput)
	}
	return nil
}

// Create 保存一条新请求并通知 admin 房间。ownerID 为 0 表示匿名提交。
func (s *RequestService) Create(in protocol.ServiceRequestInput, ownerID uint) (RequestDTO, error) {
	if err := ValidateRequestInput(in); err != nil {
		return RequestDTO{}, err
	}
	req := models.ServiceRequest{
		Name:        strings.TrimSpace(in.Name),
		Email:       normalizeEmail(in.Email),
		Phone:       strings.TrimSpace(in.Phone),
		Address:     strings.TrimSpace(in.Address),
		ServiceType: strings.TrimSpace(in.ServiceType),
		Message:     in.Message,
		Language:    in.Language,
		Status:      protocol.StatusNew,
	}
	if ownerID != 0 {
		req.UserID = &ownerID
	}
	if err := s.db.Create(&req).Error; err != nil {
		return RequestDTO{}, err
	}
	s.notifier.Emit(protocol.AdminRoom, protocol.EventNewRequest, protocol.NewRequest{
		ID:          idString(req.ID),
		Name:        req.Name,
		ServiceType: req.ServiceType,
		Address:     req.Address,
		Phone:       req.Phone,
		Email:       req.Email,
		Language:    req.Language,
		CreatedAt:   req.CreatedAt,
	})
	return toRequestDTO(req), nil
}

// List 按创建时间倒序列出请求，status 为空时不过滤。
func (s *RequestService) List(status string, limit int) ([]RequestDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.Model(&models.ServiceRequest{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.ServiceRequest
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RequestDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRequestDTO(r))
	}
	return out, nil
}

// UnreadCount 返回管理员尚未查看的请求数。
func (s *RequestService) UnreadCount() (int, error) {
	var n int64
	if err := s.db.Model(&models.ServiceRequest{}).Where("is_read = ?", false).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// MarkRead 幂等地把请求标记为已读。
func (s *RequestService) MarkRead(id uint) error {
	res := s.db.Model(&models.ServiceRequest{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// UpdateStatus 修改状态并通知请求所有者；匿名请求没有可推送的房间。
func (s *RequestService) UpdateStatus(id uint, in protocol.StatusUpdateRequest) (RequestDTO, error) {
	if !protocol.ValidStatus(in.Status) {
		return RequestDTO{}, ErrInvalidStatus
	}
	var req models.ServiceRequest
	if err := s.db.First(&req, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RequestDTO{}, ErrRequestNotFound
		}
		return RequestDTO{}, err
	}
	req.Status = in.Status
	req.UpdatedAt = time.Now()
	updates := map[string]any{"status": req.Status, "updated_at": req.UpdatedAt}
	if in.AdminNotes != "" {
		req.AdminNotes = in.AdminNotes
		updates["admin_notes"] = req.AdminNotes
	}
	if err := s.db.Model(&req).Updates(updates).Error; err != nil {
		return RequestDTO{}, err
	}
	if req.UserID != nil {
		s.notifier.Emit(idString(*req.UserID), protocol.EventRequestUpdate, protocol.RequestUpdate{
			ID:          idString(req.ID),
			Status:      req.Status,
			Name:        req.Name,
			ServiceType: req.ServiceType,
			Address:     req.Address,
			AdminNotes:  req.AdminNotes,
			UpdatedAt:   req.UpdatedAt,
		})
	}
	return toRequestDTO(req), nil
}
