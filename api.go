package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// rest collaborator for the snapshots the engine seeds from:
// conversation list, message history, notification list
type PlatformApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewPlatformApi(apiUrl string) *PlatformApi {
	return NewPlatformApiWithContext(context.Background(), apiUrl)
}

func NewPlatformApiWithContext(ctx context.Context, apiUrl string) *PlatformApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &PlatformApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *PlatformApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type ConversationListCallback = apiCallback[*ConversationListResult]

type ConversationListResult struct {
	Conversations []*ConversationSnapshot `json:"conversations"`
}

type ConversationSnapshot struct {
	ConversationId  ConversationId `json:"conversation_id"`
	Peer            Peer           `json:"peer"`
	LastMessage     string         `json:"last_message,omitempty"`
	LastMessageTime time.Time      `json:"last_message_time,omitempty"`
	Unread          int            `json:"unread"`
	Online          bool           `json:"online"`
}

func (self *PlatformApi) GetConversationList(callback ConversationListCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/conversations", self.apiUrl),
		self.byJwt,
		&ConversationListResult{},
		callback,
	)
}

type MessageHistoryCallback = apiCallback[*MessageHistoryResult]

type MessageHistoryResult struct {
	ConversationId ConversationId     `json:"conversation_id"`
	Messages       []*MessageSnapshot `json:"messages"`
}

type MessageSnapshot struct {
	MessageId Id            `json:"message_id"`
	SenderId  Id            `json:"sender_id"`
	Content   string        `json:"content"`
	MediaRef  string        `json:"media_ref,omitempty"`
	SentAt    time.Time     `json:"sent_at"`
	Status    DeliveryState `json:"status"`
}

func (self *PlatformApi) GetMessageHistory(conversationId ConversationId, callback MessageHistoryCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/conversations/%s/messages", self.apiUrl, conversationId),
		self.byJwt,
		&MessageHistoryResult{},
		callback,
	)
}

type NotificationListCallback = apiCallback[*NotificationListResult]

type NotificationListResult struct {
	Notifications []*Entity `json:"notifications"`
}

func (self *PlatformApi) GetNotifications(callback NotificationListCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/notifications", self.apiUrl),
		self.byJwt,
		&NotificationListResult{},
		callback,
	)
}

type NotificationActionCallback = apiCallback[*NotificationActionResult]

type NotificationActionArgs struct {
	NotificationId Id `json:"notification_id"`
	// "accept", "reject", "dismiss"
	Action string `json:"action"`
}

type NotificationActionResult struct {
	Error *NotificationActionResultError `json:"error,omitempty"`
}

type NotificationActionResultError struct {
	Message string `json:"message"`
}

// confirms an optimistically removed notification. on error the caller
// re-inserts the entity into the collection.
func (self *PlatformApi) NotificationAction(notificationAction *NotificationActionArgs, callback NotificationActionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/notifications/action", self.apiUrl),
		notificationAction,
		self.byJwt,
		&NotificationActionResult{},
		callback,
	)
}

func (self *PlatformApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
