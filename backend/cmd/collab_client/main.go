// collab_client 是一个命令行协作端：加入自己的 follow 频道，打开一篇文档并保持同步，
// 可选地跟随另一个用户、追加一段文字，然后打印收到的跟随、ping 和文档事件。
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"collabEngine/backend/config"
	"collabEngine/backend/internal/attribution"
	"collabEngine/backend/internal/awareness"
	"collabEngine/backend/internal/channel"
	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doc"
	"collabEngine/backend/internal/follow"
	"collabEngine/backend/internal/provider"
	"collabEngine/backend/internal/wire"
)

func main() {
	flags := pflag.NewFlagSet("collab_client", pflag.ExitOnError)
	flags.String("url", "ws://127.0.0.1:8082/collab/ws", "collab server websocket url")
	flags.String("token", "", "access token (Authorization: Bearer)")
	flags.String("user", "", "own user id, must match the token subject")
	flags.String("name", "", "display name")
	flags.String("doc", "", "document to open")
	flags.String("leader", "", "user id to follow after joining")
	flags.String("say", "", "append a paragraph with this text once the document is synced")
	flags.Bool("bootstrap", false, "initialise the document if the server has no state for it")
	_ = flags.Parse(os.Args[1:])

	v := config.New("collabConfig")
	if err := v.BindPFlags(flags); err != nil {
		log.Fatalf("bind flags failed: %v", err)
	}
	cfg, err := config.Read(v)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	if v.GetString("user") == "" {
		log.Fatalf("--user is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if token := v.GetString("token"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	socket := channel.NewSocket(v.GetString("url"), channel.WithHeader(header))
	socket.Connect(ctx)
	defer socket.Close()
	if err := waitConnected(ctx, socket); err != nil {
		log.Fatalf("connect %s failed: %v", v.GetString("url"), err)
	}

	name := v.GetString("name")
	if name == "" {
		name = v.GetString("user")
	}
	self := wire.UserRef{UserID: v.GetString("user"), Username: name}

	fc := follow.New(socket.Channel(wire.FollowTopic(self.UserID)), self, follow.Options{
		ScrollThrottle:   cfg.Follow.ScrollThrottle,
		PingDedupeWindow: cfg.Follow.PingDedupeWindow,
		PingTimeout:      cfg.Follow.PingTimeout,
		ScrollCooldown:   cfg.Follow.ScrollCooldown,
	})
	defer fc.Close()
	watchFollow(fc)
	if err := fc.Join(ctx); err != nil {
		log.Fatalf("join follow channel failed: %v", err)
	}

	sess := attribution.Session{
		User:                    doc.User{ID: self.UserID, Username: self.Username},
		DefaultDraft:            cfg.Editor.DefaultDraft,
		CollapseDraftParagraphs: cfg.Editor.CollapseDraftParagraphs,
	}
	d := &document{
		socket:    socket,
		self:      self,
		sess:      sess,
		bootstrap: v.GetBool("bootstrap"),
		undoWait:  cfg.Editor.UndoCaptureTimeout,
	}
	defer d.close()

	// 跟随中 leader 切换文档时，本端跟着换
	fc.OnNavigate(func(docID string) {
		log.Printf("navigate -> %s", docID)
		if err := d.open(ctx, docID); err != nil {
			log.Printf("open document error (doc=%s): %v", docID, err)
		}
	})

	if docID := v.GetString("doc"); docID != "" {
		if err := d.open(ctx, docID); err != nil {
			log.Fatalf("open document failed: %v", err)
		}
		if err := fc.BroadcastDocSwitch(docID); err != nil {
			log.Printf("doc switch error: %v", err)
		}
		if text := v.GetString("say"); text != "" {
			if err := d.say(text); err != nil {
				log.Printf("append text error: %v", err)
			}
		}
	}

	if leader := v.GetString("leader"); leader != "" {
		snap, err := fc.StartFollowing(ctx, leader)
		if err != nil {
			log.Fatalf("follow %s failed: %v", leader, err)
		}
		log.Printf("following %s (doc=%s)", leader, deref(snap.DocID))
	}

	<-ctx.Done()
	log.Printf("bye")
}

func watchFollow(fc *follow.Client) {
	fc.Subscribe(func(st follow.State) {
		if st.Phase == follow.Following {
			log.Printf("follow state: following %s", st.Leader.Username)
		} else {
			log.Printf("follow state: %s", st.Phase)
		}
	})
	fc.OnScroll(func(s wire.FollowScroll) {
		log.Printf("leader %s scrolled to %.0f (doc=%s)", s.LeaderID, s.ScrollTop, s.DocID)
	})
	fc.OnPings(func(ns []follow.Notification) {
		for _, n := range ns {
			log.Printf("ping from %s: %q (doc=%s)", n.From.Username, n.Message, n.DocID)
		}
	})
	fc.OnFollowers(func(us []wire.UserRef) {
		names := make([]string, 0, len(us))
		for _, u := range us {
			names = append(names, u.UserID)
		}
		log.Printf("followers: [%s]", strings.Join(names, ", "))
	})
	fc.OnPresence(func(rs []wire.PresenceRecord) {
		log.Printf("online users: %d", len(rs))
	})
}

// document 持有当前打开的文档，切换时关掉旧的 provider
type document struct {
	socket    *channel.Socket
	self      wire.UserRef
	sess      attribution.Session
	bootstrap bool
	undoWait  time.Duration

	mu    sync.Mutex
	docID string
	store *doc.Store
	prov  *provider.Provider
	undo  *doc.UndoManager
}

func (d *document) open(ctx context.Context, docID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.docID == docID {
		return nil
	}
	d.closeLocked()

	store := doc.New()
	aw := awareness.New(uuid.NewString(), clock.Real())
	aw.SetLocal(awareness.State{UserID: d.self.UserID, Name: d.self.Username, Color: d.self.Color})
	prov, err := provider.Connect(ctx, d.socket.Channel(wire.DocumentTopic(docID)), store, provider.Options{
		Bootstrap: d.bootstrap,
		Awareness: aw,
	})
	if err != nil {
		return err
	}
	prov.OnStatus(func(st channel.Status) { log.Printf("document %s: %s", docID, st) })
	store.Subscribe(func(u doc.Update) {
		if u.Origin != doc.OriginLocal {
			log.Printf("document %s: %d units changed", docID, len(u.Changed))
		}
	})

	d.sess.DocID = docID
	d.docID, d.store, d.prov = docID, store, prov
	d.undo = doc.NewUndoManager(store, doc.UndoOptions{CaptureTimeout: d.undoWait})
	return nil
}

// say 在文末追加一个属于自己的段落
func (d *document) say(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return fmt.Errorf("no document open")
	}
	if !d.store.Initialized() {
		return fmt.Errorf("document %s not synced yet", d.docID)
	}
	return d.store.Transact(doc.OriginLocal, func(tx *doc.Tx) error {
		p := doc.Unit{Kind: doc.KindParagraph}
		attribution.Stamp(&p, d.sess)
		pid, err := tx.Insert(tx.Root(), -1, p)
		if err != nil {
			return err
		}
		t := doc.Unit{Kind: doc.KindText, Text: text}
		attribution.Stamp(&t, d.sess)
		_, err = tx.Insert(pid, -1, t)
		return err
	})
}

func (d *document) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *document) closeLocked() {
	// provider 关闭时会发 awareness:remove 并离开频道
	if d.prov != nil {
		d.prov.Close()
	}
	if d.undo != nil {
		d.undo.Close()
	}
	d.docID, d.store, d.prov, d.undo = "", nil, nil, nil
}

// waitConnected 等第一次连上；之后的断线重连由 Socket 自己处理
func waitConnected(ctx context.Context, s *channel.Socket) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for !s.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
