// Package attachment 管理待发送附件的暂存与提交。
package attachment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// ErrEmptyFile 表示选取的文件缺少 URI。
var ErrEmptyFile = errors.New("local file uri is empty")

// Uploader 上传单个附件并关联到消息。
type Uploader interface {
	UploadAttachment(ctx context.Context, messageID string, file chat.LocalFile) (chat.Attachment, error)
}

// Staging 暂存区。并发安全。
type Staging struct {
	mu      sync.Mutex
	pending []chat.PendingAttachment

	limit int
	log   zerolog.Logger
}

// NewStaging 创建暂存区，limit 为提交时的最大并发上传数。
func NewStaging(limit int, log zerolog.Logger) *Staging {
	if limit < 1 {
		limit = 1
	}
	return &Staging{
		limit: limit,
		log:   log.With().Str("component", "attachment").Logger(),
	}
}

// Stage 追加文件并返回新的暂存项。预览直接使用本地 URI。
func (s *Staging) Stage(files ...chat.LocalFile) ([]chat.PendingAttachment, error) {
	added := make([]chat.PendingAttachment, 0, len(files))
	for _, f := range files {
		if f.URI == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyFile, f.Name)
		}
		added = append(added, chat.PendingAttachment{
			ID:      uuid.NewString(),
			File:    f,
			Preview: f.URI,
		})
	}

	s.mu.Lock()
	s.pending = append(s.pending, added...)
	s.mu.Unlock()
	return added, nil
}

// Unstage 移除指定暂存项，不存在时返回 false。
func (s *Staging) Unstage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pending 返回暂存项拷贝。
func (s *Staging) Pending() []chat.PendingAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.PendingAttachment(nil), s.pending...)
}

// Len 暂存项数量。
func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Previews 返回用于乐观回显的本地附件。
func (s *Staging) Previews() []chat.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]chat.Attachment, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.AsPreview())
	}
	return out
}

// Clear 丢弃所有暂存项。
func (s *Staging) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Drain 取走所有暂存项，暂存区随即清空。
func (s *Staging) Drain() []chat.PendingAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.pending
	s.pending = nil
	return items
}

// UploadResult 单个附件的上传结果。
type UploadResult struct {
	Pending    chat.PendingAttachment
	Attachment chat.Attachment
	Err        error
}

// CommitReport 一次提交的结果，按暂存顺序排列。
type CommitReport struct {
	Results []UploadResult
}

// Failed 返回失败项数量。
func (r CommitReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Err 合并所有失败项的错误。
func (r CommitReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Pending.File.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Commit 取走暂存项并以有限并发逐个上传，关联到 messageID。
// 单项失败只记录，不影响其他项，也不回滚已发送的消息。
func (s *Staging) Commit(ctx context.Context, messageID string, uploader Uploader) CommitReport {
	items := s.Drain()
	return Upload(ctx, items, messageID, uploader, s.limit, s.log)
}

// Upload 上传一组暂存项。
func Upload(ctx context.Context, items []chat.PendingAttachment, messageID string, uploader Uploader, limit int, log zerolog.Logger) CommitReport {
	report := CommitReport{Results: make([]UploadResult, len(items))}
	if len(items) == 0 {
		return report
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			att, err := uploader.UploadAttachment(gctx, messageID, item.File)
			report.Results[i] = UploadResult{Pending: item, Attachment: att, Err: err}
			if err != nil {
				log.Error().
					Err(err).
					Str("message_id", messageID).
					Str("file", item.File.Name).
					Msg("attachment upload failed")
			}
			// 单项失败不取消其他上传
			return nil
		})
	}
	_ = g.Wait()

	log.Debug().
		Str("message_id", messageID).
		Int("total", len(items)).
		Int("failed", report.Failed()).
		Msg("attachments committed")
	return report
}
