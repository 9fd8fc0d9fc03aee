package maisync

import "net/http"

func testCookies() []*http.Cookie {
	return []*http.Cookie{
		{Name: "userId", Value: "123"},
		{Name: "_t", Value: "tok"},
	}
}
