package models

import (
	"context"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
	"bitbucket.org/hewadtech/budget_backend/utils"
	"gorm.io/gorm"
)

// ChatThread is the single conversation attached to a (budget item, stage)
// pair, created lazily on first open.
type ChatThread struct {
	ID            int        `gorm:"primary_key" json:"id"`
	BudgetItemId  int        `gorm:"column:item_id;not null;uniqueIndex:uk_thread_item_stage" json:"item_id"`
	Stage         StageKind  `gorm:"size:40;not null;uniqueIndex:uk_thread_item_stage" json:"stage"`
	BudgetId      int        `gorm:"not null;index" json:"budget_id"`
	SubAccountId  int        `gorm:"not null" json:"sub_account_id"`
	CreatedBy     int        `gorm:"not null" json:"created_by"`
	LastMessageAt *time.Time `json:"last_message_at"`
	LastMessageBy *int       `json:"last_message_by"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChatThread) TableName() string {
	return "chat_threads"
}

type ChatMessage struct {
	ID          int        `gorm:"primary_key" json:"id"`
	ThreadId    int        `gorm:"not null;index;uniqueIndex:uk_message_nonce" json:"thread_id"`
	SenderId    int        `gorm:"not null" json:"sender_id"`
	SenderName  string     `gorm:"size:100" json:"sender_name"`
	Body        string     `gorm:"type:text;not null" json:"body"`
	Attachments *string    `gorm:"type:json" json:"attachments"`
	ClientNonce *string    `gorm:"size:64;uniqueIndex:uk_message_nonce" json:"client_nonce"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	EditedAt    *time.Time `json:"edited_at"`
	DeletedAt   *time.Time `json:"deleted_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// ChatReadReceipt tracks the newest message each participant has seen per
// thread. Monotonic: MarkRead never moves the watermark backwards.
type ChatReadReceipt struct {
	ID                int       `gorm:"primary_key" json:"id"`
	ThreadId          int       `gorm:"not null;uniqueIndex:uk_receipt_thread_user" json:"thread_id"`
	UserId            int       `gorm:"not null;uniqueIndex:uk_receipt_thread_user" json:"user_id"`
	LastReadMessageId int       `gorm:"not null;default:0" json:"last_read_message_id"`
	LastReadAt        time.Time `gorm:"autoUpdateTime" json:"last_read_at"`
}

func (ChatReadReceipt) TableName() string {
	return "chat_read_receipts"
}

// ChatFirstPostMarker backs the at-most-once "new chat participant" email.
// The unique key makes concurrent first posts race on the insert; only the
// winner triggers the notification.
type ChatFirstPostMarker struct {
	ID        int       `gorm:"primary_key" json:"id"`
	ThreadId  int       `gorm:"not null;uniqueIndex:uk_first_post" json:"thread_id"`
	SenderId  int       `gorm:"not null;uniqueIndex:uk_first_post" json:"sender_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChatFirstPostMarker) TableName() string {
	return "chat_first_post_markers"
}

// EnsureThread returns the (item, stage) thread, creating it when absent.
// Concurrent creators race on uk_thread_item_stage; the loser re-reads the
// winner's row.
func EnsureThread(tx *gorm.DB, budgetItemId int, stage StageKind, createdBy int) (*ChatThread, error) {
	var thread ChatThread
	err := tx.Where("item_id = ? AND stage = ?", budgetItemId, stage).First(&thread).Error
	if err == nil {
		return &thread, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	item, err := GetBudgetItemTx(tx, budgetItemId)
	if err != nil {
		return nil, err
	}
	thread = ChatThread{
		BudgetItemId: item.ID,
		Stage:        stage,
		BudgetId:     item.BudgetId,
		SubAccountId: item.SubAccountId,
		CreatedBy:    createdBy,
	}
	if err := tx.Create(&thread).Error; err != nil {
		if isDuplicateKeyErr(err) {
			if err := tx.Where("item_id = ? AND stage = ?", budgetItemId, stage).First(&thread).Error; err != nil {
				return nil, err
			}
			return &thread, nil
		}
		return nil, err
	}
	return &thread, nil
}

type PostMessageResult struct {
	Message   *ChatMessage
	Duplicate bool
	FirstPost bool
}

// PostMessage appends a message to a thread, stamps the thread's last-message
// bookkeeping and advances the sender's own read receipt. A repeated
// client_nonce returns the stored message instead of inserting twice.
// FirstPost reports whether this is the sender's first message in the thread.
func PostMessage(tx *gorm.DB, threadId int, senderId int, senderName string, body string, attachments *string, clientNonce *string) (*PostMessageResult, error) {
	logger := config.GetLogger()

	if body == "" {
		return nil, utils.NewBadRequest("message body is required")
	}
	var thread ChatThread
	if err := tx.First(&thread, "id = ?", threadId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if clientNonce != nil && *clientNonce == "" {
		clientNonce = nil
	}
	message := ChatMessage{
		ThreadId:    thread.ID,
		SenderId:    senderId,
		SenderName:  senderName,
		Body:        body,
		Attachments: attachments,
		ClientNonce: clientNonce,
	}
	if err := tx.Create(&message).Error; err != nil {
		if isDuplicateKeyErr(err) && clientNonce != nil {
			var existing ChatMessage
			if err := tx.Where("thread_id = ? AND client_nonce = ?", thread.ID, *clientNonce).
				First(&existing).Error; err != nil {
				return nil, err
			}
			return &PostMessageResult{Message: &existing, Duplicate: true}, nil
		}
		config.LogError(logger, "chatThread.go", "PostMessage", "InsertMessage", thread.ID, err)
		return nil, err
	}

	now := time.Now()
	err := tx.Model(&ChatThread{}).Where("id = ?", thread.ID).
		Updates(map[string]interface{}{
			"last_message_at": now,
			"last_message_by": senderId,
		}).Error
	if err != nil {
		config.LogError(logger, "chatThread.go", "PostMessage", "StampThread", thread.ID, err)
		return nil, err
	}
	if err := MarkRead(tx, thread.ID, senderId, message.ID); err != nil {
		config.LogError(logger, "chatThread.go", "PostMessage", "MarkRead", thread.ID, err)
		return nil, err
	}

	firstPost := false
	marker := ChatFirstPostMarker{ThreadId: thread.ID, SenderId: senderId}
	if err := tx.Create(&marker).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			config.LogError(logger, "chatThread.go", "PostMessage", "InsertFirstPostMarker", thread.ID, err)
			return nil, err
		}
	} else {
		firstPost = true
	}

	return &PostMessageResult{Message: &message, FirstPost: firstPost}, nil
}

// MarkRead advances the reader's watermark, ignoring regressions. A zero
// messageId means "everything so far": the current max message id is used.
func MarkRead(tx *gorm.DB, threadId int, userId int, messageId int) error {
	if messageId <= 0 {
		var maxId *int
		err := tx.Model(&ChatMessage{}).Where("thread_id = ?", threadId).
			Select("MAX(id)").Scan(&maxId).Error
		if err != nil {
			return err
		}
		if maxId == nil {
			return nil
		}
		messageId = *maxId
	}
	var receipt ChatReadReceipt
	err := tx.Where("thread_id = ? AND user_id = ?", threadId, userId).First(&receipt).Error
	if err == gorm.ErrRecordNotFound {
		receipt = ChatReadReceipt{ThreadId: threadId, UserId: userId, LastReadMessageId: messageId}
		if err := tx.Create(&receipt).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return MarkRead(tx, threadId, userId, messageId)
			}
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	if messageId <= receipt.LastReadMessageId {
		return nil
	}
	return tx.Model(&ChatReadReceipt{}).
		Where("id = ? AND last_read_message_id < ?", receipt.ID, messageId).
		Update("last_read_message_id", messageId).Error
}

func GetThreadMessages(ctx context.Context, threadId int, afterMessageId int, limit int) ([]*ChatMessage, error) {
	db := config.GetDB()
	var messages []*ChatMessage
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	err := db.WithContext(ctx).
		Where("thread_id = ? AND id > ? AND deleted_at IS NULL", threadId, afterMessageId).
		Order("id ASC").Limit(limit).
		Find(&messages).Error
	return messages, err
}

// GetLatestThreadMessages returns the newest limit messages of a thread in
// ascending id order, so opening a long thread shows its tail.
func GetLatestThreadMessages(ctx context.Context, threadId int, limit int) ([]*ChatMessage, error) {
	db := config.GetDB()
	var messages []*ChatMessage
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	err := db.WithContext(ctx).
		Where("thread_id = ? AND deleted_at IS NULL", threadId).
		Order("id DESC").Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	ascendingById(messages)
	return messages, nil
}

// ascendingById flips a DESC-ordered page back into display order.
func ascendingById(messages []*ChatMessage) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

type ThreadUnread struct {
	ThreadId          int        `json:"thread_id"`
	BudgetItemId      int        `json:"item_id"`
	Stage             StageKind  `json:"stage"`
	UnreadCount       int        `json:"unread_count"`
	LastMessageId     int        `json:"last_message_id"`
	LastMessageAt     *time.Time `json:"last_message_at"`
	LastReadMessageId int        `json:"last_read_message_id"`
}

// GetUnreadsForBudget returns per-thread unread summaries for the reader
// across a budget's items. Own messages never count as unread.
func GetUnreadsForBudget(ctx context.Context, budgetId int, userId int) ([]*ThreadUnread, error) {
	db := config.GetDB()

	var threads []*ChatThread
	if err := db.WithContext(ctx).Where("budget_id = ?", budgetId).Find(&threads).Error; err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return []*ThreadUnread{}, nil
	}
	threadIds := make([]int, 0, len(threads))
	for _, thread := range threads {
		threadIds = append(threadIds, thread.ID)
	}

	var messages []*ChatMessage
	if err := db.WithContext(ctx).
		Select("id, thread_id, sender_id").
		Where("thread_id IN ? AND deleted_at IS NULL", threadIds).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	var receipts []*ChatReadReceipt
	if err := db.WithContext(ctx).
		Where("thread_id IN ? AND user_id = ?", threadIds, userId).
		Find(&receipts).Error; err != nil {
		return nil, err
	}

	summaries := SummarizeUnreads(messages, receipts, userId)
	result := make([]*ThreadUnread, 0, len(threads))
	for _, thread := range threads {
		summary := summaries[thread.ID]
		result = append(result, &ThreadUnread{
			ThreadId:          thread.ID,
			BudgetItemId:      thread.BudgetItemId,
			Stage:             thread.Stage,
			UnreadCount:       summary.UnreadCount,
			LastMessageId:     summary.LastMessageId,
			LastMessageAt:     thread.LastMessageAt,
			LastReadMessageId: summary.LastReadMessageId,
		})
	}
	return result, nil
}

type UnreadSummary struct {
	UnreadCount       int
	LastMessageId     int
	LastReadMessageId int
}

// SummarizeUnreads computes per-thread unread counts for readerId from the
// thread messages and the reader's receipts.
func SummarizeUnreads(messages []*ChatMessage, receipts []*ChatReadReceipt, readerId int) map[int]UnreadSummary {
	watermarks := map[int]int{}
	for _, receipt := range receipts {
		if receipt.UserId != readerId {
			continue
		}
		if receipt.LastReadMessageId > watermarks[receipt.ThreadId] {
			watermarks[receipt.ThreadId] = receipt.LastReadMessageId
		}
	}
	summaries := map[int]UnreadSummary{}
	for _, message := range messages {
		summary := summaries[message.ThreadId]
		if message.ID > summary.LastMessageId {
			summary.LastMessageId = message.ID
		}
		summary.LastReadMessageId = watermarks[message.ThreadId]
		if message.SenderId != readerId && message.ID > watermarks[message.ThreadId] {
			summary.UnreadCount++
		}
		summaries[message.ThreadId] = summary
	}
	return summaries
}

// ThreadParticipants lists the distinct senders in a thread, for notifying
// prior participants on new messages.
func ThreadParticipants(tx *gorm.DB, threadId int) ([]int, error) {
	var senderIds []int
	err := tx.Model(&ChatMessage{}).
		Where("thread_id = ?", threadId).
		Distinct().Pluck("sender_id", &senderIds).Error
	return senderIds, err
}
