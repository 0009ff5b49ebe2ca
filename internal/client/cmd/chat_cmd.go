package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/whisperlink/whisperlink/internal/logger"
	"github.com/whisperlink/whisperlink/internal/manager"
	"github.com/whisperlink/whisperlink/internal/store"
	"github.com/whisperlink/whisperlink/internal/user"
)

var (
	chatPort   int
	chatTunnel bool
)

var chatCmd = &cobra.Command{
	Use:   "chat username",
	Short: "log in and start chatting",
	Long: `logs in, starts listening for peers, and opens an interactive
session. With --tunnel the listener is published at a public URL so
peers behind other networks can reach you`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		username := args[0]
		log := logger.NewLogger()

		gdb, err := openDB()
		if err != nil {
			log.Fatal(err)
			return
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			log.Fatal(err)
			return
		}

		users := user.NewManager(store.NewUserStore(gdb))
		session, err := users.Login(username, password)
		if err != nil {
			log.Fatal(err)
			return
		}
		fmt.Printf("logged in as %s (%s)\n", session.Username, session.UserID)

		contacts := store.NewContactStore(gdb)
		m := manager.New(manager.Options{
			Contacts: contacts,
			Users:    users,
			Logger:   log,
		})
		m.OnMessage(func(ev manager.MessageEvent) {
			fmt.Printf("\r[%s] %s\n> ", ev.PeerUsername, ev.Text)
		})
		defer m.Shutdown()

		addr, err := startListening(m)
		if err != nil {
			log.Fatal(err)
			return
		}
		fmt.Printf("reachable at %s\n", addr)

		repl(m)
	},
}

// startListening brings the listener up, showing a spinner while the
// tunnel provisions since that can take several seconds.
func startListening(m *manager.Manager) (string, error) {
	if !chatTunnel {
		return m.StartListening(chatPort, false)
	}

	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		addr, err := m.StartListening(chatPort, true)
		done <- result{addr, err}
	}()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("provisioning tunnel"),
		progressbar.OptionSpinnerType(14),
	)
	for {
		select {
		case r := <-done:
			_ = bar.Finish()
			fmt.Println()
			return r.addr, r.err
		case <-time.After(100 * time.Millisecond):
			_ = bar.Add(1)
		}
	}
}

func repl(m *manager.Manager) {
	fmt.Println("commands: /connect <peer-id>, /send <peer-id> <text>, /peers, /disconnect <peer-id>, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/connect":
			if len(fields) != 2 {
				fmt.Println("usage: /connect <peer-id>")
				continue
			}
			if err := m.ConnectToPeer(fields[1]); err != nil {
				fmt.Println("connect failed:", err)
				continue
			}
			fmt.Println("connected")

		case "/send":
			if len(fields) < 3 {
				fmt.Println("usage: /send <peer-id> <text>")
				continue
			}
			text := strings.TrimSpace(strings.TrimPrefix(line, "/send "+fields[1]))
			if err := m.SendMessage(fields[1], text); err != nil {
				fmt.Println("send failed:", err)
			}

		case "/peers":
			active := m.ActiveConnections()
			if len(active) == 0 {
				fmt.Println("no active connections")
				continue
			}
			for _, s := range active {
				fmt.Printf("%s  %s  %s  since %s\n",
					s.PeerID, s.PeerUsername, s.Kind, s.EstablishedAt.Format("15:04:05"))
			}

		case "/disconnect":
			if len(fields) != 2 {
				fmt.Println("usage: /disconnect <peer-id>")
				continue
			}
			m.DisconnectFromPeer(fields[1])
			fmt.Println("disconnected")

		case "/quit":
			return

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func init() {
	chatCmd.Flags().IntVar(&chatPort, "port", 0, "listen port (0 picks one)")
	chatCmd.Flags().BoolVar(&chatTunnel, "tunnel", false, "publish the listener at a public URL")
}
