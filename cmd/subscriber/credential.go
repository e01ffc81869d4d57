// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "fluxnotify"

// openKeyring returns the OS keyring, falling back to an encrypted file.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/fluxnotify/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("fluxnotify-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func tokenKey(recipientID string) string {
	return "session-token:" + recipientID
}

// loadToken returns the stored session token for recipientID.
func loadToken(recipientID string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(tokenKey(recipientID))
	if err != nil {
		return "", fmt.Errorf("getting session token for %q: %w", recipientID, err)
	}
	return string(item.Data), nil
}

// saveToken stores the session token for recipientID.
func saveToken(recipientID, token string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:   tokenKey(recipientID),
		Data:  []byte(token),
		Label: "fluxnotify session token",
	})
	if err != nil {
		return fmt.Errorf("setting session token for %q: %w", recipientID, err)
	}
	return nil
}

// deleteToken forgets a rejected token so the next start asks for a new one.
func deleteToken(recipientID string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(tokenKey(recipientID)); err != nil {
		return fmt.Errorf("deleting session token for %q: %w", recipientID, err)
	}
	return nil
}
