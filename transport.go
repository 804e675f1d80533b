package realtime

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

// a single multiplexed connection to the platform broker carries every
// logical topic. conversation windows, sidebar previews, the feed, and the
// notification list all subscribe here with independent handlers.

const TransportBufferSize = 32

// invoked once per inbound frame on the subscribed topic, with the decoded event
type TopicHandler func(event any)

type ConnectionChangeFunction func(connected bool)

// the outbound surface components publish through. fire-and-forget:
// no delivery guarantee is exposed, callers own their own ack semantics.
type Publisher interface {
	Publish(destination string, event any) bool
}

type PlatformTransportSettings struct {
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
}

func DefaultPlatformTransportSettings() *PlatformTransportSettings {
	return &PlatformTransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
	}
}

type subscription struct {
	subscriptionId Id
	topic          string
	handler        TopicHandler
}

type PlatformTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	auth        *ClientAuth

	settings *PlatformTransportSettings

	stateLock sync.Mutex
	// topic -> subscription id -> subscription
	// subscriptions survive reconnects; topics are re-announced after each connect
	topicSubscriptions map[string]map[Id]*subscription
	send               chan []byte
	connected          bool

	connectionChangeCallbacks *CallbackList[ConnectionChangeFunction]
}

func NewPlatformTransportWithDefaults(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
) (*PlatformTransport, error) {
	return NewPlatformTransport(ctx, platformUrl, auth, DefaultPlatformTransportSettings())
}

func NewPlatformTransport(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	settings *PlatformTransportSettings,
) (*PlatformTransport, error) {
	if _, err := auth.ClientId(); err != nil {
		return nil, &ConnectionError{
			Url: platformUrl,
			Err: err,
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PlatformTransport{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		platformUrl:               platformUrl,
		auth:                      auth,
		settings:                  settings,
		topicSubscriptions:        map[string]map[Id]*subscription{},
		connectionChangeCallbacks: NewCallbackList[ConnectionChangeFunction](),
	}
	go transport.run()
	return transport, nil
}

func (self *PlatformTransport) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	authBytes, err := EncodeFrame(&AuthEvent{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return
	}

	reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", clientId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[t]auth error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect.Reset()

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan []byte, TransportBufferSize)

			self.setConnected(send)
			defer self.setDisconnected()

			// re-announce the full topic set after each connect
			if announceBytes, err := EncodeFrame(&SubscribeEvent{Topics: self.Topics()}); err == nil {
				select {
				case send <- announceBytes:
				default:
				}
			}

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[ts]%s-> error = %s\n", clientId, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", clientId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", clientId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[tr]ping %s<-\n", clientId)
							continue
						}
						self.dispatch(message)
						glog.V(2).Infof("[tr]%s<-\n", clientId)
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, clientId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[t]connect run %s", clientId), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// decode once at the transport boundary, then fan out to the topic's handlers.
// a malformed frame is dropped here and never reaches a component.
func (self *PlatformTransport) dispatch(message []byte) {
	HandleError(func() {
		frameType, event, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[tr]drop %s = %s\n", frameType, err)
			return
		}

		for _, s := range self.subscriptionsForTopic(frameType) {
			handler := s.handler
			HandleError(func() {
				handler(event)
			})
		}
	})
}

func (self *PlatformTransport) subscriptionsForTopic(topic string) []*subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscriptions := maps.Values(self.topicSubscriptions[topic])
	slices.SortFunc(subscriptions, func(a *subscription, b *subscription) int {
		return bytes.Compare(a.subscriptionId.Bytes(), b.subscriptionId.Bytes())
	})
	return subscriptions
}

// multiple logical subscriptions to the same topic are legal and independent.
// the returned function removes just this subscription.
func (self *PlatformTransport) Subscribe(topic string, handler TopicHandler) func() {
	s := &subscription{
		subscriptionId: NewId(),
		topic:          topic,
		handler:        handler,
	}

	self.stateLock.Lock()
	subscriptions, ok := self.topicSubscriptions[topic]
	if !ok {
		subscriptions = map[Id]*subscription{}
		self.topicSubscriptions[topic] = subscriptions
	}
	subscriptions[s.subscriptionId] = s
	announce := !ok && self.connected
	self.stateLock.Unlock()

	if announce {
		self.Publish(DestinationSubscribe, &SubscribeEvent{Topics: self.Topics()})
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if subscriptions, ok := self.topicSubscriptions[topic]; ok {
			delete(subscriptions, s.subscriptionId)
			if len(subscriptions) == 0 {
				delete(self.topicSubscriptions, topic)
			}
		}
	}
}

func (self *PlatformTransport) Topics() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topics := maps.Keys(self.topicSubscriptions)
	slices.Sort(topics)
	return topics
}

// fire-and-forget. drops with a log line when disconnected or backpressured.
func (self *PlatformTransport) Publish(destination string, event any) bool {
	message, err := EncodeFrame(event)
	if err != nil {
		glog.Infof("[ts]encode error %s = %s\n", destination, err)
		return false
	}

	self.stateLock.Lock()
	send := self.send
	connected := self.connected
	self.stateLock.Unlock()

	if !connected || send == nil {
		glog.Infof("[ts]drop %s (disconnected)\n", destination)
		return false
	}

	select {
	case send <- message:
		return true
	default:
		glog.Infof("[ts]drop %s (backpressure)\n", destination)
		return false
	}
}

func (self *PlatformTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *PlatformTransport) AddConnectionChangeCallback(connectionChangeCallback ConnectionChangeFunction) func() {
	callbackId := self.connectionChangeCallbacks.Add(connectionChangeCallback)
	return func() {
		self.connectionChangeCallbacks.Remove(callbackId)
	}
}

func (self *PlatformTransport) setConnected(send chan []byte) {
	self.stateLock.Lock()
	self.send = send
	self.connected = true
	self.stateLock.Unlock()

	for _, connectionChangeCallback := range self.connectionChangeCallbacks.Get() {
		HandleError(func() {
			connectionChangeCallback(true)
		})
	}
}

func (self *PlatformTransport) setDisconnected() {
	self.stateLock.Lock()
	self.send = nil
	self.connected = false
	self.stateLock.Unlock()

	for _, connectionChangeCallback := range self.connectionChangeCallbacks.Get() {
		HandleError(func() {
			connectionChangeCallback(false)
		})
	}
}

func (self *PlatformTransport) Close() {
	self.cancel()
}
