package main

import (
	"context"
	"fmt"

	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
)

// addUser creates the account and its user profile with role.
func (cli *commandLine) addUser(name, email, role, pwd string) error {
	ctx := context.Background()
	ident, err := cli.authSvc.SignUp(ctx, auth.NewAccount{
		Name:            name,
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
	})
	if err != nil {
		return err
	}

	if role != entity.RoleStudent {
		usr, err := cli.portal.User(ctx, ident.UID)
		if err != nil {
			return err
		}
		usr.Role = role
		if err := cli.portal.Users.Write(ctx, usr).Await(ctx).Err; err != nil {
			return err
		}
	}
	fmt.Fprintf(cli.out, "user %s created (%s)\n", ident.Email, ident.UID)
	return nil
}
