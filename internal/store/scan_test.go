package store

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageCols = []string{
	"id", "account_id", "message_id", "direction", "from_addr", "to_addr",
	"subject", "status", "error", "text_content", "html_content", "in_reply_to",
	"retry_count", "next_retry_at", "created_at", "sent_at",
}

func TestCollectMessagesNullColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows(messageCols).
		AddRow("m1", "a1", nil, "outbound", "from@x", "to@x",
			nil, "queued", nil, nil, nil, nil,
			0, nil, "2026-01-01T00:00:00.000Z", nil).
		AddRow("m2", "a1", "<srv@x>", "outbound", "from@x", "to@x",
			"subj", "sent", nil, "text body", nil, "<parent@x>",
			2, nil, "2026-01-01T00:00:00.000Z", "2026-01-01T00:31:00.000Z")
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	sqlRows, err := db.Query("SELECT * FROM messages")
	require.NoError(t, err)
	defer sqlRows.Close()

	out, err := collectMessages(sqlRows)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Nil(t, out[0].MessageID)
	assert.Nil(t, out[0].Subject)
	assert.Nil(t, out[0].InReplyTo)
	assert.Nil(t, out[0].SentAt)
	assert.Equal(t, StatusQueued, out[0].Status)

	require.NotNil(t, out[1].MessageID)
	assert.Equal(t, "<srv@x>", *out[1].MessageID)
	require.NotNil(t, out[1].InReplyTo)
	assert.Equal(t, "<parent@x>", *out[1].InReplyTo)
	assert.Equal(t, 2, out[1].RetryCount)
	require.NotNil(t, out[1].SentAt)
}

func TestCollectMessagesRowError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows(messageCols).
		AddRow("m1", "a1", nil, "outbound", "from@x", "to@x",
			nil, "queued", nil, nil, nil, nil,
			0, nil, "2026-01-01T00:00:00.000Z", nil).
		RowError(0, errors.New("disk I/O error"))
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	sqlRows, err := db.Query("SELECT * FROM messages")
	require.NoError(t, err)
	defer sqlRows.Close()

	_, err = collectMessages(sqlRows)
	assert.Error(t, err)
}
