// Package simpleauth is an authentication orchestration engine.
//
// A host declares its providers in Options, binds an implementation to each
// provider id and supplies an Adapter for persistence:
//
//	auth, err := simpleauth.New(opts, store, map[string]simpleauth.Provider{
//		"pwd":    credentials.New(),
//		"google": googleProvider,
//		"phone":  sms.New(sender),
//	})
//
// The engine then drives Initiate, SignIn, SignUp, SignOut and GetSession
// through one uniform contract. Every failure is an *Error with a stable
// Code; use CodeOf or errors.Is against the predefined errors to branch.
//
// The engine keeps no user or session state itself, so a single instance
// can be shared between goroutines.
package simpleauth
