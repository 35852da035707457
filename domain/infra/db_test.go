package infra

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestDataBase(t *testing.T) *DataBase {
	t.Helper()
	t.Setenv("DB_DSN", "")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "modmail_test.db"))
	ds, err := NewDataBase()
	assert.NoError(t, err)
	return ds
}

func TestDataBase_CreateTicket(t *testing.T) {
	ds := newTestDataBase(t)

	id, err := ds.CreateTicket("user_a")
	assert.NoError(t, err)
	assert.NotZero(t, id)

	ticket, err := ds.GetTicket(id)
	assert.NoError(t, err)
	assert.NotNil(t, ticket)
	assert.Equal(t, "user_a", ticket.UserID)
	assert.True(t, ticket.Open)

	// 同一ユーザーのオープン中チケットは1件まで
	_, err = ds.CreateTicket("user_a")
	assert.Equal(t, ErrTicketAlreadyOpen, err)

	// クローズ後は再び作れる
	ok, err := ds.CloseTicket(id)
	assert.NoError(t, err)
	assert.True(t, ok)

	id2, err := ds.CreateTicket("user_a")
	assert.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestDataBase_GetTicketByUser(t *testing.T) {
	ds := newTestDataBase(t)

	ticket, err := ds.GetTicketByUser("user_b")
	assert.NoError(t, err)
	assert.Nil(t, ticket)

	id, err := ds.CreateTicket("user_b")
	assert.NoError(t, err)

	ticket, err = ds.GetTicketByUser("user_b")
	assert.NoError(t, err)
	assert.NotNil(t, ticket)
	assert.Equal(t, id, ticket.ID)

	_, err = ds.CloseTicket(id)
	assert.NoError(t, err)

	ticket, err = ds.GetTicketByUser("user_b")
	assert.NoError(t, err)
	assert.Nil(t, ticket)
}

func TestDataBase_SetDisplayMessage(t *testing.T) {
	ds := newTestDataBase(t)

	id, err := ds.CreateTicket("user_c")
	assert.NoError(t, err)

	ok, err := ds.SetDisplayMessage(id, "1700000000.000100")
	assert.NoError(t, err)
	assert.True(t, ok)

	ticket, err := ds.GetTicketByDisplayMessage("1700000000.000100")
	assert.NoError(t, err)
	assert.NotNil(t, ticket)
	assert.Equal(t, id, ticket.ID)

	// 貼り直すと古いtsでは引けなくなる
	ok, err = ds.SetDisplayMessage(id, "1700000000.000200")
	assert.NoError(t, err)
	assert.True(t, ok)

	ticket, err = ds.GetTicketByDisplayMessage("1700000000.000100")
	assert.NoError(t, err)
	assert.Nil(t, ticket)

	ok, err = ds.SetDisplayMessage(9999, "1700000000.000300")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDataBase_AppendResponse(t *testing.T) {
	ds := newTestDataBase(t)

	id, err := ds.CreateTicket("user_d")
	assert.NoError(t, err)

	_, err = ds.AppendResponse(id, "user_d", "hello", false)
	assert.NoError(t, err)
	_, err = ds.AppendResponse(id, "staff_1", "hi, how can we help?", true)
	assert.NoError(t, err)
	_, err = ds.AppendResponse(id, "user_d", "thanks", false)
	assert.NoError(t, err)

	responses, err := ds.ListResponses(id)
	assert.NoError(t, err)
	assert.Len(t, responses, 3)

	// 追記順に並ぶ
	assert.Equal(t, "hello", responses[0].Body)
	assert.False(t, responses[0].AsServer)
	assert.Equal(t, "hi, how can we help?", responses[1].Body)
	assert.True(t, responses[1].AsServer)
	assert.Equal(t, "thanks", responses[2].Body)

	other, err := ds.ListResponses(id + 1)
	assert.NoError(t, err)
	assert.Empty(t, other)
}

func TestDataBase_SetTimeout(t *testing.T) {
	ds := newTestDataBase(t)

	timeout, err := ds.GetTimeout("user_e")
	assert.NoError(t, err)
	assert.Nil(t, timeout)

	expires := time.Now().UTC().Add(24 * time.Hour)
	assert.NoError(t, ds.SetTimeout("user_e", expires))

	timeout, err = ds.GetTimeout("user_e")
	assert.NoError(t, err)
	assert.NotNil(t, timeout)
	assert.True(t, timeout.ActiveAt(time.Now().UTC()))

	// 期限を現在に上書きすると即時失効する
	assert.NoError(t, ds.SetTimeout("user_e", time.Now().UTC()))

	timeout, err = ds.GetTimeout("user_e")
	assert.NoError(t, err)
	assert.NotNil(t, timeout)
	assert.False(t, timeout.ActiveAt(time.Now().UTC().Add(time.Second)))
}
