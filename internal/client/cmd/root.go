package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/whisperlink/whisperlink/internal/db"
)

var (
	dbPath  string
	profile string
)

var rootCmd = &cobra.Command{
	Use:  `whisperlink`,
	Long: `whisperlink is a peer to peer encrypted messenger`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("whisperlink is a peer to peer encrypted messenger")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "named profile with its own database")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(chatCmd)
}

func openDB() (*gorm.DB, error) {
	path := dbPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(home, ".whisperlink")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		name := "whisperlink"
		if profile != "" {
			name = profile
		}
		path = filepath.Join(dir, name+".db")
	}
	return db.Open(path)
}
