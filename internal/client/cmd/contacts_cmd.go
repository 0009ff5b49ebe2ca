package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whisperlink/whisperlink/internal/logger"
	"github.com/whisperlink/whisperlink/internal/schema"
	"github.com/whisperlink/whisperlink/internal/store"
)

var (
	contactTunnelURL string
	contactAddress   string
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "manage known peers",
}

var contactsAddCmd = &cobra.Command{
	Use:   "add peer-id username public-key",
	Short: "add a peer to the contact list",
	Long: `adds a peer to the contact list. Pass --address for peers
reachable directly and --tunnel-url for peers behind a tunnel`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		gdb, err := openDB()
		if err != nil {
			log.Fatal(err)
			return
		}

		connType := "direct"
		if contactTunnelURL != "" {
			connType = "tunnel"
		} else if contactAddress == "" {
			log.Fatal("one of --address or --tunnel-url is required")
			return
		}

		contacts := store.NewContactStore(gdb)
		err = contacts.Add(schema.Contact{
			PeerID:         args[0],
			Username:       args[1],
			PublicKey:      args[2],
			ConnectionType: connType,
			Address:        contactAddress,
			TunnelURL:      contactTunnelURL,
		})
		if err != nil {
			log.Fatal(err)
			return
		}
		log.Infof("added contact %s", args[1])
	},
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list known peers",
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		gdb, err := openDB()
		if err != nil {
			log.Fatal(err)
			return
		}

		contacts, err := store.NewContactStore(gdb).List()
		if err != nil {
			log.Fatal(err)
			return
		}
		if len(contacts) == 0 {
			fmt.Println("no contacts")
			return
		}

		for _, c := range contacts {
			endpoint := c.Address
			if c.ConnectionType == "tunnel" {
				endpoint = c.TunnelURL
			}
			lastSeen := "never"
			if c.LastSeen != nil {
				lastSeen = c.LastSeen.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s  %s  %s %s  last seen %s\n",
				c.PeerID, c.Username, c.ConnectionType, endpoint, lastSeen)
		}
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove peer-id",
	Short: "remove a peer from the contact list",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		gdb, err := openDB()
		if err != nil {
			log.Fatal(err)
			return
		}

		if err := store.NewContactStore(gdb).Remove(args[0]); err != nil {
			log.Fatal(err)
			return
		}
		log.Infof("removed contact %s", args[0])
	},
}

func init() {
	contactsAddCmd.Flags().StringVar(&contactAddress, "address", "", "host:port for direct peers")
	contactsAddCmd.Flags().StringVar(&contactTunnelURL, "tunnel-url", "", "public URL for tunneled peers")

	contactsCmd.AddCommand(contactsAddCmd)
	contactsCmd.AddCommand(contactsListCmd)
	contactsCmd.AddCommand(contactsRemoveCmd)
}
