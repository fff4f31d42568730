package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func confirmed(id string, sender chat.SenderType, content string, attachments ...chat.Attachment) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: "c1",
		SenderType:     sender,
		Content:        content,
		MessageType:    chat.MessageTypeText,
		CreatedAt:      base,
		Attachments:    attachments,
	}
}

func ids(messages []chat.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestMergeAppendsInArrivalOrder(t *testing.T) {
	var transcript []chat.Message
	transcript, r := Merge(transcript, confirmed("m2", chat.SenderAgent, "second"))
	require.Equal(t, Appended, r.Outcome)
	transcript, _ = Merge(transcript, confirmed("m1", chat.SenderClient, "first"))

	assert.Equal(t, []string{"m2", "m1"}, ids(transcript))
}

func TestMergeIsIdempotent(t *testing.T) {
	msg := confirmed("m3", chat.SenderAgent, "hi")

	once, _ := Merge(nil, msg)
	twice, r := Merge(once, msg)

	assert.Equal(t, Unchanged, r.Outcome)
	assert.False(t, r.Changed())
	assert.Equal(t, once, twice)
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	transcript := []chat.Message{
		chat.NewOptimistic("c1", "me", "hello", "", nil, base),
		chat.NewPlaceholder("c1", base),
	}
	before := append([]chat.Message(nil), transcript...)

	_, _ = Merge(transcript, confirmed("a1", chat.SenderAI, "answer"))
	_, _ = Merge(transcript, confirmed("m1", chat.SenderClient, "hello"))

	assert.Equal(t, before, transcript)
}

func TestMergeNoDuplicationAcrossThreeChannels(t *testing.T) {
	optimistic := chat.NewOptimistic("c1", "me", "hello", "", nil, base)
	transcript, _ := Merge(nil, optimistic)

	pushed := confirmed("m1", chat.SenderClient, "hello")
	transcript, r := Merge(transcript, pushed)
	require.Equal(t, UpgradedOptimistic, r.Outcome)

	polled := confirmed("m1", chat.SenderClient, "hello")
	transcript, r = Merge(transcript, polled)
	require.Equal(t, Unchanged, r.Outcome)

	require.Len(t, transcript, 1)
	assert.Equal(t, "m1", transcript[0].ID)
	assert.True(t, transcript[0].IsFinal())
}

func TestMergeOptimisticUpgradeKeepsPosition(t *testing.T) {
	transcript := []chat.Message{
		confirmed("m0", chat.SenderAgent, "welcome"),
		chat.NewOptimistic("c1", "me", "hello", "", nil, base),
		confirmed("m9", chat.SenderAgent, "are you there?"),
	}

	next, r := Merge(transcript, confirmed("m1", chat.SenderClient, "hello"))

	require.Equal(t, UpgradedOptimistic, r.Outcome)
	assert.Equal(t, 1, r.Index)
	assert.Equal(t, []string{"m0", "m1", "m9"}, ids(next))
}

func TestMergeOptimisticUpgradeCarriesPreviews(t *testing.T) {
	preview := chat.Attachment{ID: "p1", FileName: "a.png", FileURL: "file:///tmp/a.png"}
	transcript, _ := Merge(nil, chat.NewOptimistic("c1", "me", "look", "image", []chat.Attachment{preview}, base))

	next, r := Merge(transcript, confirmed("m1", chat.SenderClient, "look"))

	require.Equal(t, UpgradedOptimistic, r.Outcome)
	require.Len(t, next[0].Attachments, 1)
	assert.Equal(t, "file:///tmp/a.png", next[0].Attachments[0].FileURL)
}

func TestMergeOptimisticRequiresIdenticalContent(t *testing.T) {
	transcript, _ := Merge(nil, chat.NewOptimistic("c1", "me", "hello", "", nil, base))

	next, r := Merge(transcript, confirmed("m1", chat.SenderClient, "hello!"))

	assert.Equal(t, Appended, r.Outcome)
	assert.Len(t, next, 2)
}

func TestMergeKnownIDNeverConsumesSecondOptimistic(t *testing.T) {
	transcript, _ := Merge(nil, chat.NewOptimistic("c1", "me", "hello", "", nil, base))
	transcript, _ = Merge(transcript, confirmed("m1", chat.SenderClient, "hello"))
	transcript, _ = Merge(transcript, chat.NewOptimistic("c1", "me", "hello", "", nil, base.Add(time.Second)))

	next, r := Merge(transcript, confirmed("m1", chat.SenderClient, "hello"))

	assert.Equal(t, Unchanged, r.Outcome)
	require.Len(t, next, 2)
	assert.True(t, next[1].IsOptimistic())
}

func TestMergeFreshAIEvictsPlaceholder(t *testing.T) {
	transcript := []chat.Message{
		chat.NewOptimistic("c1", "me", "hello", "", nil, base),
		chat.NewPlaceholder("c1", base),
	}

	next, r := Merge(transcript, confirmed("a1", chat.SenderBot, "hi there"))

	assert.True(t, r.FreshAI)
	assert.Equal(t, 1, r.Evicted)
	for _, m := range next {
		assert.False(t, m.IsPlaceholder())
	}
	assert.Equal(t, "a1", next[len(next)-1].ID)
}

func TestMergeRedeliveredAIKeepsPlaceholder(t *testing.T) {
	transcript := []chat.Message{
		confirmed("a0", chat.SenderAI, "earlier answer"),
		chat.NewOptimistic("c1", "me", "next question", "", nil, base),
		chat.NewPlaceholder("c1", base),
	}

	next, r := Merge(transcript, confirmed("a0", chat.SenderAI, "earlier answer"))

	assert.False(t, r.FreshAI)
	assert.Equal(t, 0, r.Evicted)
	assert.Len(t, next, 3)
}

func TestMergeSinglePlaceholder(t *testing.T) {
	transcript, _ := Merge(nil, chat.NewPlaceholder("c1", base))
	transcript, r := Merge(transcript, chat.NewPlaceholder("c1", base.Add(time.Second)))

	assert.Equal(t, PlaceholderSet, r.Outcome)
	assert.Len(t, transcript, 1)
}

func TestMergeAttachmentUpgradeFromLocalPreview(t *testing.T) {
	local := chat.Attachment{ID: "x1", FileName: "a.png", FileURL: "content://media/a.png"}
	remote := chat.Attachment{ID: "x1", FileName: "a.png", FileURL: "https://cdn.example.com/a.png"}
	transcript := []chat.Message{confirmed("m2", chat.SenderClient, "pic", local)}

	next, r := Merge(transcript, confirmed("m2", chat.SenderClient, "pic", remote))

	require.Equal(t, Upgraded, r.Outcome)
	assert.Equal(t, "https://cdn.example.com/a.png", next[0].Attachments[0].FileURL)
}

func TestMergeAttachmentNeverRegressesToLocal(t *testing.T) {
	remote := chat.Attachment{ID: "x1", FileURL: "https://cdn.example.com/a.png"}
	local := chat.Attachment{ID: "x1", FileURL: "file:///tmp/a.png"}
	transcript := []chat.Message{confirmed("m2", chat.SenderClient, "pic", remote)}

	next, r := Merge(transcript, confirmed("m2", chat.SenderClient, "pic", local))
	assert.Equal(t, Unchanged, r.Outcome)
	assert.Equal(t, remote.FileURL, next[0].Attachments[0].FileURL)

	extra := chat.Attachment{ID: "x2", FileURL: "https://cdn.example.com/b.png"}
	next, r = Merge(next, confirmed("m2", chat.SenderClient, "pic", local, extra))
	require.Equal(t, Upgraded, r.Outcome)
	require.Len(t, next[0].Attachments, 2)
	assert.Equal(t, remote.FileURL, next[0].Attachments[0].FileURL)
	assert.Equal(t, extra.FileURL, next[0].Attachments[1].FileURL)
}

func TestMergeAttachmentAddedToBareMessage(t *testing.T) {
	transcript := []chat.Message{confirmed("m4", chat.SenderClient, "doc")}
	att := chat.Attachment{ID: "d1", FileURL: "https://cdn.example.com/doc.pdf"}

	next, r := Merge(transcript, confirmed("m4", chat.SenderClient, "doc", att))

	require.Equal(t, Upgraded, r.Outcome)
	assert.Len(t, next[0].Attachments, 1)
}

func TestMergeAllShorterBatchNeverRemoves(t *testing.T) {
	transcript := []chat.Message{
		confirmed("m1", chat.SenderClient, "a"),
		confirmed("m2", chat.SenderAgent, "b"),
		confirmed("m3", chat.SenderClient, "c"),
	}

	next, summary := MergeAll(transcript, []chat.Message{confirmed("m1", chat.SenderClient, "a")})

	assert.False(t, summary.Changed())
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(next))
}

func TestScenarioASocketAIReplyRetiresPlaceholder(t *testing.T) {
	transcript, _ := Merge(nil, chat.NewOptimistic("c1", "me", "hello", "", nil, base))
	transcript, _ = Merge(transcript, chat.NewPlaceholder("c1", base))
	require.Len(t, transcript, 2)

	transcript, _ = Merge(transcript, confirmed("m0", chat.SenderClient, "hello"))
	transcript, r := Merge(transcript, confirmed("m1", chat.SenderAI, "hi there"))

	assert.True(t, r.FreshAI)
	assert.Equal(t, []string{"m0", "m1"}, ids(transcript))
}

func TestScenarioDRepeatedPollDoesNotGrow(t *testing.T) {
	poll := []chat.Message{
		confirmed("m1", chat.SenderClient, "q"),
		confirmed("m3", chat.SenderAgent, "a"),
	}

	first, _ := MergeAll(nil, poll)
	second, summary := MergeAll(first, poll)

	assert.False(t, summary.Changed())
	assert.Len(t, second, len(first))
}

func TestOrderPreservedAcrossChannels(t *testing.T) {
	var transcript []chat.Message
	transcript, _ = Merge(transcript, chat.NewOptimistic("c1", "me", "one", "", nil, base))
	transcript, _ = MergeAll(transcript, []chat.Message{
		confirmed("m1", chat.SenderClient, "one"),
		confirmed("m2", chat.SenderAgent, "two"),
	})
	transcript, _ = Merge(transcript, confirmed("m3", chat.SenderAgent, "three"))
	transcript, _ = MergeAll(transcript, []chat.Message{
		confirmed("m2", chat.SenderAgent, "two"),
		confirmed("m3", chat.SenderAgent, "three"),
	})

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(transcript))
}
