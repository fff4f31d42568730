package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatsync/internal/endpoint"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	eps, err := endpoint.Resolve(srv.URL+"/api/", "")
	require.NoError(t, err)
	return New(eps, "tok", zerolog.Nop(), opts...)
}

func TestListConversationsSendsAuthHeaders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "tok", r.Header.Get("access_token"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[{"id":1,"subject":"billing","conversation_type":"support"},{"id":"2","conversation_type":"ai"}]}`)
	})

	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "1", convs[0].ID)
	assert.False(t, convs[0].IsAI())
	assert.True(t, convs[1].IsAI())
}

func TestCreateConversation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refund please", body["content"])
		assert.Equal(t, "ai", body["conversation_type"])
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":9,"subject":"refund please","conversation_type":"ai","status":"open"}`)
	})

	conv, err := client.CreateConversation(context.Background(), CreateConversationRequest{
		Subject:          "refund please",
		Content:          "refund please",
		ConversationType: chat.ConversationAI,
	})
	require.NoError(t, err)
	assert.Equal(t, "9", conv.ID)
	assert.Equal(t, chat.StatusOpen, conv.Status)
}

func TestFetchMessagesSkipsMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/5/messages/", r.URL.Path)
		io.WriteString(w, `[{"id":1,"sender_type":"client","content":"a"},{"content":"no id"},{"id":2,"sender_type":"AI","content":"b","ai_data":{"sql":"select 2"}}]`)
	})

	msgs, err := client.FetchMessages(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderAI, msgs[1].SenderType)
	require.NotNil(t, msgs[1].AIData)
	assert.Equal(t, "select 2", msgs[1].AIData.SQL)
}

func TestSendMessageStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"closed"}`, http.StatusForbidden)
	})

	_, err := client.SendMessage(context.Background(), "5", "hi", "")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusForbidden))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Body, "closed")
}

func TestSendMessageFillsConversationID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, chat.MessageTypeText, body.MessageType)
		io.WriteString(w, `{"id":"m1","sender_type":"client","content":"`+body.Content+`"}`)
	})

	msg, err := client.SendMessage(context.Background(), "5", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "5", msg.ConversationID)
	assert.True(t, msg.IsFinal())
}

func TestUploadAttachmentMultipart(t *testing.T) {
	opener := func(uri string) (io.ReadCloser, error) {
		assert.Equal(t, "content://photos/1", uri)
		return io.NopCloser(strings.NewReader("PNGDATA")), nil
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "m1", r.FormValue("message_id"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "PNGDATA", string(data))
		assert.Equal(t, "cat.png", header.Filename)
		io.WriteString(w, `{"id":3,"file_name":"cat.png","file_type":"image","file_url":"https://cdn/cat.png"}`)
	}, WithOpener(opener))

	att, err := client.UploadAttachment(context.Background(), "m1", chat.LocalFile{
		URI:  "content://photos/1",
		Name: "cat.png",
		Type: "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, "3", att.ID)
	assert.Equal(t, "https://cdn/cat.png", att.FileURL)
}

func TestUploadAttachmentUnreadable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	})

	_, err := client.UploadAttachment(context.Background(), "m1", chat.LocalFile{URI: "content://x", Name: "x"})
	assert.ErrorIs(t, err, ErrUnreadableFile)
}

func TestOpenLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	for _, uri := range []string{path, "file://" + path} {
		rc, err := OpenLocalFile(uri)
		require.NoError(t, err, uri)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "hello", string(data))
	}

	_, err := OpenLocalFile("content://media/1")
	assert.Error(t, err)
}

func TestClientHasNoDefaultTimeout(t *testing.T) {
	eps, err := endpoint.Resolve("http://localhost:8000/api", "")
	require.NoError(t, err)

	client := New(eps, "", zerolog.Nop())
	assert.Zero(t, client.http.GetClient().Timeout)

	client = New(eps, "", zerolog.Nop(), WithTimeout(0))
	assert.Zero(t, client.http.GetClient().Timeout)

	client = New(eps, "", zerolog.Nop(), WithTimeout(5*time.Second))
	assert.Equal(t, 5*time.Second, client.http.GetClient().Timeout)
}
