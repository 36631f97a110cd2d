// ABOUTME: Platform edge filters for framework back-pointers
// ABOUTME: Each entry is a reference cleared before it can ever keep its target alive

package filter

// Standard returns the filters for framework references that look strong
// but are torn down by the framework itself.
func Standard() []Filter {
	return []Filter{
		Field("UIView", "_subviewCache"),
		Field("UIHeldAction", "m_target"),
		Fields("UITouch", "_view", "_gestureRecognizers", "_window", "_warpedIntoView"),
		Fields("_UIViewControllerOneToOneTransitionContext", "_toViewController", "_fromViewController"),
	}
}
