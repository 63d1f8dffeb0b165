package models

import "testing"

func msg(id, threadId, senderId int) *ChatMessage {
	return &ChatMessage{ID: id, ThreadId: threadId, SenderId: senderId}
}

func TestSummarizeUnreads_OwnMessagesNeverCount(t *testing.T) {
	messages := []*ChatMessage{
		msg(1, 7, 100),
		msg(2, 7, 200),
		msg(3, 7, 100),
	}

	summaries := SummarizeUnreads(messages, nil, 100)
	summary := summaries[7]
	if summary.UnreadCount != 1 {
		t.Fatalf("UnreadCount = %d, want 1 (only the other sender's message)", summary.UnreadCount)
	}
	if summary.LastMessageId != 3 {
		t.Fatalf("LastMessageId = %d, want 3", summary.LastMessageId)
	}
	if summary.LastReadMessageId != 0 {
		t.Fatalf("LastReadMessageId = %d, want 0 with no receipt", summary.LastReadMessageId)
	}
}

func TestSummarizeUnreads_WatermarkCutsOff(t *testing.T) {
	messages := []*ChatMessage{
		msg(1, 7, 200),
		msg(2, 7, 200),
		msg(3, 7, 200),
	}
	receipts := []*ChatReadReceipt{
		{ThreadId: 7, UserId: 100, LastReadMessageId: 2},
	}

	summary := SummarizeUnreads(messages, receipts, 100)[7]
	if summary.UnreadCount != 1 {
		t.Fatalf("UnreadCount = %d, want 1 (only the message past the watermark)", summary.UnreadCount)
	}
	if summary.LastReadMessageId != 2 {
		t.Fatalf("LastReadMessageId = %d, want 2", summary.LastReadMessageId)
	}
}

func TestSummarizeUnreads_OtherUsersReceiptsIgnored(t *testing.T) {
	messages := []*ChatMessage{
		msg(1, 7, 200),
		msg(2, 7, 200),
	}
	receipts := []*ChatReadReceipt{
		{ThreadId: 7, UserId: 999, LastReadMessageId: 2},
	}

	summary := SummarizeUnreads(messages, receipts, 100)[7]
	if summary.UnreadCount != 2 {
		t.Fatalf("UnreadCount = %d, want 2 (a stranger's receipt is not the reader's watermark)", summary.UnreadCount)
	}
}

func TestAscendingByIdRestoresDisplayOrder(t *testing.T) {
	// A latest-page query selects newest-first; display order is oldest-first.
	messages := []*ChatMessage{msg(9, 7, 1), msg(5, 7, 1), msg(2, 7, 1)}
	ascendingById(messages)
	for i, want := range []int{2, 5, 9} {
		if messages[i].ID != want {
			t.Fatalf("position %d holds message %d, want %d", i, messages[i].ID, want)
		}
	}

	single := []*ChatMessage{msg(1, 7, 1)}
	ascendingById(single)
	if single[0].ID != 1 {
		t.Fatal("single-element page must be untouched")
	}
}

func TestSummarizeUnreads_MultipleThreads(t *testing.T) {
	messages := []*ChatMessage{
		msg(1, 7, 200),
		msg(2, 8, 200),
		msg(3, 8, 200),
	}
	receipts := []*ChatReadReceipt{
		{ThreadId: 8, UserId: 100, LastReadMessageId: 3},
	}

	summaries := SummarizeUnreads(messages, receipts, 100)
	if summaries[7].UnreadCount != 1 {
		t.Fatalf("thread 7 UnreadCount = %d, want 1", summaries[7].UnreadCount)
	}
	if summaries[8].UnreadCount != 0 {
		t.Fatalf("thread 8 UnreadCount = %d, want 0", summaries[8].UnreadCount)
	}
	if summaries[8].LastMessageId != 3 {
		t.Fatalf("thread 8 LastMessageId = %d, want 3", summaries[8].LastMessageId)
	}
}
