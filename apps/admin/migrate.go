package main

import (
	"github.com/trezcool/portal/storage/sqlstore"
)

var migrateFunc = sqlstore.Migrate // mockable

func (cli *commandLine) migrate(args []string) error {
	db, err := cli.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return migrateFunc(db, "", args[0], args[1:]...)
}
