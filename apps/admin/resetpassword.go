package main

import (
	"context"

	"github.com/trezcool/portal/core/auth"
)

func (cli *commandLine) resetPassword(email, pwd string) error {
	_, err := cli.authSvc.SetPassword(context.Background(), auth.SetPassword{
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
	})
	return err
}
